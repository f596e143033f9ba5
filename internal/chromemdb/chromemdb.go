package chromemdb

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"

	"tax-rag/internal/models"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
)

const (
	DefaultCollection = "egyptian_tax_law"

	// probeText seeds the full scan used by All, chromem has no listing API.
	probeText = "ضريبة"
)

var (
	ErrMissingEmbedding = errors.New("chunk has no embedding")
	ErrEncryptionKey    = errors.New("encryption key must be 32 bytes")
)

// Store is a persistent chromem-go collection. Similarity is cosine and
// search results are ordered most similar first.
type Store struct {
	db            *chromem.DB
	collection    *chromem.Collection
	embedFunc     chromem.EmbeddingFunc
	path          string
	compress      bool
	encryptionKey string
}

type Options struct {
	Collection    string
	Compress      bool
	EncryptionKey string
}

// Open loads the store at path, creating the directory and collection when absent.
// embedder is only used for text queries, chunks always carry their vectors.
func Open(path string, embedder embeddings.Embedder, opts Options) (*Store, error) {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}

	db, err := chromem.NewPersistentDB(path, opts.Compress)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store %s: %w", path, err)
	}

	var embedFunc chromem.EmbeddingFunc
	if embedder != nil {
		embedFunc = embedder.EmbedQuery
	}
	collection, err := db.GetOrCreateCollection(opts.Collection, nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}

	log.Debug().
		Str("path", path).
		Str("collection", opts.Collection).
		Int("count", collection.Count()).
		Msg("Opened vector store")

	return &Store{
		db:            db,
		collection:    collection,
		embedFunc:     embedFunc,
		path:          path,
		compress:      opts.Compress,
		encryptionKey: opts.EncryptionKey,
	}, nil
}

func (s *Store) Add(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk %s: %w", c.ID, ErrMissingEmbedding)
		}
		docs = append(docs, chromem.Document{
			ID:        c.ID,
			Metadata:  c.Metadata(),
			Embedding: c.Embedding,
			Content:   c.Text,
		})
	}
	if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

// Search returns up to k matches. k is capped at the collection size.
func (s *Store) Search(ctx context.Context, embedding []float32, k int) ([]models.Match, error) {
	n := s.collection.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	k = min(k, n)

	results, err := s.collection.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}
	return toMatches(results), nil
}

func (s *Store) Count(_ context.Context) (int, error) {
	return s.collection.Count(), nil
}

// All returns every stored chunk ordered by source and page.
func (s *Store) All(ctx context.Context) ([]models.Chunk, error) {
	n := s.collection.Count()
	if n == 0 {
		return nil, nil
	}
	if s.embedFunc == nil {
		return nil, errors.New("listing chunks needs an embedder")
	}

	results, err := s.collection.Query(ctx, probeText, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	chunks := make([]models.Chunk, 0, len(results))
	for _, m := range toMatches(results) {
		chunks = append(chunks, m.Chunk)
	}
	slices.SortStableFunc(chunks, func(a, b models.Chunk) int {
		return cmp.Or(
			cmp.Compare(a.Source, b.Source),
			cmp.Compare(a.PageNumber, b.PageNumber),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return chunks, nil
}

// Export writes the collection to a single encrypted file.
func (s *Store) Export(filePath string) error {
	if len(s.encryptionKey) != 32 {
		return ErrEncryptionKey
	}
	log.Debug().
		Str("collection", s.collection.Name).
		Str("file", filePath).
		Bool("compress", s.compress).
		Msg("Exporting collection")

	if err := s.db.ExportToFile(filePath, s.compress, s.encryptionKey, s.collection.Name); err != nil {
		return fmt.Errorf("failed to export collection: %w", err)
	}
	return nil
}

// Import replaces the collection with the one stored in filePath. The archive
// is decoded once in memory first so a bad file leaves the store untouched.
func (s *Store) Import(filePath string) error {
	if len(s.encryptionKey) != 32 {
		return ErrEncryptionKey
	}
	name := s.collection.Name

	staging := chromem.NewDB()
	if err := staging.ImportFromFile(filePath, s.encryptionKey, name); err != nil {
		return fmt.Errorf("failed to import collection: %w", err)
	}
	if _, ok := staging.ListCollections()[name]; !ok {
		return fmt.Errorf("collection %q not found in %s", name, filePath)
	}

	// stale document files would otherwise come back on the next Open
	if err := s.Reset(context.Background()); err != nil {
		return err
	}
	if err := s.db.ImportFromFile(filePath, s.encryptionKey, name); err != nil {
		return fmt.Errorf("failed to import collection: %w", err)
	}
	collection := s.db.GetCollection(name, s.embedFunc)
	if collection == nil {
		return fmt.Errorf("collection %q not found in %s", name, filePath)
	}
	s.collection = collection
	return nil
}

// Reset drops the collection and recreates it empty.
func (s *Store) Reset(_ context.Context) error {
	name := s.collection.Name
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	collection, err := s.db.CreateCollection(name, nil, s.embedFunc)
	if err != nil {
		return fmt.Errorf("failed to recreate collection: %w", err)
	}
	s.collection = collection
	return nil
}

// Close is a no-op, documents are persisted on write.
func (s *Store) Close() error { return nil }

func toMatches(results []chromem.Result) []models.Match {
	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		chunk := models.ChunkFromMetadata(r.ID, r.Content, r.Metadata)
		chunk.Embedding = r.Embedding
		matches = append(matches, models.Match{Chunk: chunk, Similarity: r.Similarity})
	}
	return matches
}
