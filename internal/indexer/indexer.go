package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"tax-rag/internal/config"
	"tax-rag/internal/helper"
	"tax-rag/internal/metrics"
	"tax-rag/internal/models"
	"tax-rag/internal/vectorstore"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/textsplitter"
)

var (
	// ErrInvalidInput is matched by every *ValidationError.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoChunks is returned when splitting produced nothing to index.
	ErrNoChunks = errors.New("no chunks produced from the input records")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Options for one BuildIndex run. Sizes are measured in runes.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	Location     string
	// Prepare runs once the chunks are embedded, right before the store is
	// opened. An error aborts the run without touching the store.
	Prepare func(ctx context.Context) error
}

// OpenFunc opens or creates the store at location.
type OpenFunc func(ctx context.Context, location string) (vectorstore.Store, error)

// Indexer splits page records into chunks, embeds them and appends them to a store.
type Indexer struct {
	embedder embeddings.Embedder
	open     OpenFunc
}

func New(embedder embeddings.Embedder, open OpenFunc) *Indexer {
	return &Indexer{embedder: embedder, open: open}
}

// NewFromConfig opens stores the way cfg describes.
func NewFromConfig(embedder embeddings.Embedder, cfg *config.StoreConfig) *Indexer {
	return New(embedder, func(ctx context.Context, location string) (vectorstore.Store, error) {
		return vectorstore.Open(ctx, cfg, location, embedder)
	})
}

// BuildIndex validates its input before touching the store, then appends the
// embedded chunks. Chunk IDs are random so repeated runs add to the store.
// The returned store is open and owned by the caller.
func (ix *Indexer) BuildIndex(ctx context.Context, records []models.PageRecord, opts Options) (vectorstore.Store, int, error) {
	if err := validate(records, opts); err != nil {
		return nil, 0, err
	}

	chunks, err := Split(records, opts.ChunkSize, opts.ChunkOverlap)
	if err != nil {
		return nil, 0, err
	}
	if len(chunks) == 0 {
		return nil, 0, ErrNoChunks
	}
	log.Info().Int("records", len(records)).Int("chunks", len(chunks)).Msg("Split records into chunks")

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	if opts.Prepare != nil {
		if err := opts.Prepare(ctx); err != nil {
			return nil, 0, fmt.Errorf("failed to prepare vector store: %w", err)
		}
	}

	store, err := ix.open(ctx, opts.Location)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open vector store: %w", err)
	}
	if err := store.Add(ctx, chunks); err != nil {
		_ = store.Close()
		return nil, 0, fmt.Errorf("failed to store chunks: %w", err)
	}

	metrics.ChunksIndexedTotal.Add(float64(len(chunks)))
	log.Info().Str("location", opts.Location).Int("chunks", len(chunks)).Msg("Vector store updated")
	return store, len(chunks), nil
}

func validate(records []models.PageRecord, opts Options) error {
	switch {
	case len(records) == 0:
		return &ValidationError{Field: "records", Reason: "no page records to index"}
	case opts.ChunkSize <= 0:
		return &ValidationError{Field: "chunk_size", Reason: fmt.Sprintf("must be positive, got %d", opts.ChunkSize)}
	case opts.ChunkOverlap < 0:
		return &ValidationError{Field: "chunk_overlap", Reason: fmt.Sprintf("must not be negative, got %d", opts.ChunkOverlap)}
	case opts.ChunkOverlap >= opts.ChunkSize:
		return &ValidationError{Field: "chunk_overlap", Reason: fmt.Sprintf("must be smaller than chunk_size %d, got %d", opts.ChunkSize, opts.ChunkOverlap)}
	case strings.TrimSpace(opts.Location) == "":
		return &ValidationError{Field: "location", Reason: "must not be blank"}
	}
	return nil
}

// Split cuts every record into chunks of at most size runes, trying paragraph,
// line and word boundaries first. Chunks keep the source and page of their record.
func Split(records []models.PageRecord, size, overlap int) ([]models.Chunk, error) {
	if size <= 0 {
		return nil, &ValidationError{Field: "chunk_size", Reason: fmt.Sprintf("must be positive, got %d", size)}
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)

	var chunks []models.Chunk
	for _, r := range records {
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		parts, err := splitter.SplitText(r.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to split %s page %d: %w", r.Source, r.PageNumber, err)
		}
		for _, p := range boundParts(parts, size, overlap) {
			if strings.TrimSpace(p) == "" {
				continue
			}
			id, err := helper.GenerateUUID()
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, models.Chunk{
				ID:         id,
				Text:       p,
				Source:     r.Source,
				PageNumber: r.PageNumber,
			})
		}
	}
	return chunks, nil
}

// boundParts re-cuts parts longer than size runes into windows of size runes
// overlapping by overlap runes. The recursive splitter can merge one separator
// past the limit.
func boundParts(parts []string, size, overlap int) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		runes := []rune(p)
		if len(runes) <= size {
			out = append(out, p)
			continue
		}
		step := max(size-overlap, 1)
		for start := 0; ; start += step {
			end := min(start+size, len(runes))
			out = append(out, string(runes[start:end]))
			if end == len(runes) {
				break
			}
		}
	}
	return out
}
