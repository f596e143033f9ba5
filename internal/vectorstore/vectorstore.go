package vectorstore

import (
	"context"
	"fmt"

	"tax-rag/internal/chromemdb"
	"tax-rag/internal/config"
	"tax-rag/internal/db"
	"tax-rag/internal/models"

	"github.com/tmc/langchaingo/embeddings"
)

// Store persists embedded chunks and answers nearest neighbour queries.
// Search results are ordered most similar first.
type Store interface {
	Add(ctx context.Context, chunks []models.Chunk) error
	Search(ctx context.Context, embedding []float32, k int) ([]models.Match, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Lister is implemented by stores that can enumerate their chunks.
type Lister interface {
	All(ctx context.Context) ([]models.Chunk, error)
}

// Resetter is implemented by stores that can drop all chunks.
type Resetter interface {
	Reset(ctx context.Context) error
}

var (
	_ Store    = (*chromemdb.Store)(nil)
	_ Lister   = (*chromemdb.Store)(nil)
	_ Resetter = (*chromemdb.Store)(nil)
	_ Store    = (*db.Store)(nil)
	_ Lister   = (*db.Store)(nil)
	_ Resetter = (*db.Store)(nil)
)

// Open opens the store selected by cfg.Driver at location, a directory for
// chromem or a DSN for pgvector. The store is created when absent.
func Open(ctx context.Context, cfg *config.StoreConfig, location string, embedder embeddings.Embedder) (Store, error) {
	switch cfg.Driver {
	case config.DriverChromem, "":
		s, err := chromemdb.Open(location, embedder, chromemdb.Options{
			Collection:    cfg.Collection,
			Compress:      cfg.Compress,
			EncryptionKey: cfg.EncryptionKey,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPgvector:
		s, err := db.Open(ctx, location, db.Options{
			Dimensions: cfg.Dimensions,
			Debug:      cfg.Debug,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported vector store driver %q", cfg.Driver)
	}
}
