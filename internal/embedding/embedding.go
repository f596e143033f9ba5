package embedding

import (
	"context"
	"fmt"
	"strings"

	"tax-rag/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const DefaultBatchSize = 32

// placeholderToken satisfies the openai client for self-hosted servers that need no key.
const placeholderToken = "unused"

// NewEmbedder creates the multilingual embedder described by cfg. Texts are
// not rewritten apart from the optional query and passage prefixes.
func NewEmbedder(cfg *config.EmbedConfig, batchSize int) (embeddings.Embedder, error) {
	log.Debug().
		Str("provider", cfg.Provider).
		Str("base_url", cfg.BaseURL).
		Str("model", cfg.Model).
		Msg("Creating embedder")

	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(batchSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	if cfg.QueryPrefix == "" && cfg.PassagePrefix == "" {
		return embedder, nil
	}
	return WithPrefixes(embedder, cfg.QueryPrefix, cfg.PassagePrefix), nil
}

func newClient(cfg *config.EmbedConfig) (embeddings.EmbedderClient, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return llm, nil
	case config.ProviderOpenAI:
		token := strings.TrimPrefix(cfg.Key, "Bearer ")
		if token == "" {
			token = placeholderToken
		}
		opts := []openai.Option{
			openai.WithToken(token),
			openai.WithModel(cfg.Model),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai client: %w", err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}

// PrefixedEmbedder adds the E5 style "query: " and "passage: " markers.
type PrefixedEmbedder struct {
	inner         embeddings.Embedder
	queryPrefix   string
	passagePrefix string
}

var _ embeddings.Embedder = (*PrefixedEmbedder)(nil)

func WithPrefixes(inner embeddings.Embedder, queryPrefix, passagePrefix string) *PrefixedEmbedder {
	return &PrefixedEmbedder{inner: inner, queryPrefix: queryPrefix, passagePrefix: passagePrefix}
}

func (p *PrefixedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if p.passagePrefix == "" {
		return p.inner.EmbedDocuments(ctx, texts)
	}
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = p.passagePrefix + t
	}
	return p.inner.EmbedDocuments(ctx, prefixed)
}

func (p *PrefixedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.inner.EmbedQuery(ctx, p.queryPrefix+text)
}
