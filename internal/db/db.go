package db

import (
	"context"
	"database/sql"
	"fmt"

	"tax-rag/internal/models"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

const DefaultDimensions = 768

type ChunkRow struct {
	bun.BaseModel `bun:"table:tax_chunks,alias:c"`
	ID            string          `bun:"id,pk"`
	Content       string          `bun:"content,notnull"`
	Source        string          `bun:"source,notnull"`
	PageNumber    int             `bun:"page_number,notnull"`
	Embedding     pgvector.Vector `bun:"embedding"`
}

type scoredChunk struct {
	ChunkRow   `bun:",extend"`
	Similarity float32 `bun:"similarity,scanonly"`
}

// Store keeps chunks in Postgres with the pgvector extension.
type Store struct {
	db         *bun.DB
	dimensions int
}

type Options struct {
	Dimensions int
	Debug      bool
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(dsn string) *sql.DB {
	return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
}

// Open connects to dsn and makes sure the chunk table exists.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	s := NewStore(NewDB(ConnectDB(dsn), opts.Debug), opts.Dimensions)
	if err := s.db.PingContext(ctx); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := InitDB(ctx, s.db, s.dimensions); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	return s, nil
}

func NewStore(db *bun.DB, dimensions int) *Store {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Store{db: db, dimensions: dimensions}
}

// InitDB creates the vector extension and the chunk table.
func InitDB(ctx context.Context, db *bun.DB, dimensions int) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tax_chunks (
	id text PRIMARY KEY,
	content text NOT NULL,
	source text NOT NULL,
	page_number integer NOT NULL,
	embedding vector(%d)
)`, dimensions))
	if err != nil {
		return fmt.Errorf("failed to create chunk table: %w", err)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	rows := make([]ChunkRow, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) != s.dimensions {
			return fmt.Errorf("chunk %s: embedding has %d dimensions, table expects %d", c.ID, len(c.Embedding), s.dimensions)
		}
		rows = append(rows, ChunkRow{
			ID:         c.ID,
			Content:    c.Text,
			Source:     c.Source,
			PageNumber: c.PageNumber,
			Embedding:  pgvector.NewVector(c.Embedding),
		})
	}
	if _, err := s.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	log.Debug().Int("count", len(rows)).Msg("Stored chunks")
	return nil
}

// Search orders by cosine distance; similarity is 1 - distance.
func (s *Store) Search(ctx context.Context, embedding []float32, k int) ([]models.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(embedding)

	var rows []scoredChunk
	err := s.db.NewSelect().
		Model(&rows).
		Column("c.id", "c.content", "c.source", "c.page_number").
		ColumnExpr("1 - (c.embedding <=> ?::vector) AS similarity", vec).
		OrderExpr("c.embedding <=> ?::vector", vec).
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	matches := make([]models.Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, models.Match{Chunk: r.toChunk(), Similarity: r.Similarity})
	}
	return matches, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().Model((*ChunkRow)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// All lists every chunk ordered by source and page.
func (s *Store) All(ctx context.Context) ([]models.Chunk, error) {
	var rows []ChunkRow
	err := s.db.NewSelect().
		Model(&rows).
		Column("id", "content", "source", "page_number").
		Order("source", "page_number", "id").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	chunks := make([]models.Chunk, 0, len(rows))
	for _, r := range rows {
		chunks = append(chunks, r.toChunk())
	}
	return chunks, nil
}

// DropChunks removes the chunk table.
func DropChunks(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*ChunkRow)(nil)).IfExists().Exec(ctx)
	return err
}

func (s *Store) Reset(ctx context.Context) error {
	if err := DropChunks(ctx, s.db); err != nil {
		return fmt.Errorf("failed to drop chunk table: %w", err)
	}
	return InitDB(ctx, s.db, s.dimensions)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (r ChunkRow) toChunk() models.Chunk {
	return models.Chunk{
		ID:         r.ID,
		Text:       r.Content,
		Source:     r.Source,
		PageNumber: r.PageNumber,
		Embedding:  r.Embedding.Slice(),
	}
}
