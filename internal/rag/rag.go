package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tax-rag/internal/llmservice"
	"tax-rag/internal/metrics"
	"tax-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"
)

const (
	DefaultTopK        = 5
	DefaultTemperature = 0.3
)

// Searcher is the read side of the vector store.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, k int) ([]models.Match, error)
}

type Options struct {
	TopK int
	// MinSimilarity drops matches scoring below it. Zero or less keeps every match.
	MinSimilarity float32
	// Temperature is passed as is, zero included. Negative selects DefaultTemperature.
	Temperature float64
	MaxTokens   int
}

// Chain answers questions in Arabic from the retrieved tax law context.
type Chain struct {
	store    Searcher
	embedder embeddings.Embedder
	model    llms.Model
	prompt   prompts.ChatPromptTemplate
	opts     Options
}

func NewChain(store Searcher, embedder embeddings.Embedder, model llms.Model, opts Options) *Chain {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Temperature < 0 {
		opts.Temperature = DefaultTemperature
	}
	return &Chain{
		store:    store,
		embedder: embedder,
		model:    model,
		prompt:   NewPrompt(),
		opts:     opts,
	}
}

// NewPrompt builds the fixed system and human message template.
// Inputs are "question" and "context".
func NewPrompt() prompts.ChatPromptTemplate {
	return prompts.NewChatPromptTemplate([]prompts.MessageFormatter{
		prompts.NewSystemMessagePromptTemplate(models.SystemPromptTemplate, nil),
		prompts.NewHumanMessagePromptTemplate(models.UserPromptTemplate, []string{"question", "context"}),
	})
}

// Retrieve embeds the question and collects the nearest chunks, most similar first.
func (c *Chain) Retrieve(ctx context.Context, question string) (models.RetrievalResult, error) {
	vec, err := c.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return models.RetrievalResult{}, fmt.Errorf("failed to embed question: %w", err)
	}

	matches, err := c.store.Search(ctx, vec, c.opts.TopK)
	if err != nil {
		return models.RetrievalResult{}, fmt.Errorf("failed to search vector store: %w", err)
	}

	if c.opts.MinSimilarity > 0 {
		kept := make([]models.Match, 0, len(matches))
		for _, m := range matches {
			if m.Similarity >= c.opts.MinSimilarity {
				kept = append(kept, m)
			}
		}
		if dropped := len(matches) - len(kept); dropped > 0 {
			log.Debug().Int("dropped", dropped).Float32("min_similarity", c.opts.MinSimilarity).Msg("Dropped low similarity matches")
		}
		matches = kept
	}

	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Text
	}
	return models.RetrievalResult{
		Question: question,
		Context:  strings.Join(texts, models.ContextSeparator),
		Matches:  matches,
	}, nil
}

// Answer returns the model output verbatim. Errors from any step are returned
// as is, there is no retry here.
func (c *Chain) Answer(ctx context.Context, question string) (string, error) {
	start := time.Now()
	defer func() { metrics.AnswerDuration.Observe(time.Since(start).Seconds()) }()

	answer, err := c.answer(ctx, question)
	switch {
	case err != nil:
		metrics.AnswersTotal.WithLabelValues("error").Inc()
		return "", err
	case IsUnknown(answer):
		metrics.AnswersTotal.WithLabelValues("unknown").Inc()
	default:
		metrics.AnswersTotal.WithLabelValues("answered").Inc()
	}
	return answer, nil
}

func (c *Chain) answer(ctx context.Context, question string) (string, error) {
	res, err := c.Retrieve(ctx, question)
	if err != nil {
		return "", err
	}
	log.Debug().Int("matches", len(res.Matches)).Msg("Retrieved context")

	messages, err := c.Messages(question, res.Context)
	if err != nil {
		return "", err
	}

	opts := []llms.CallOption{llms.WithTemperature(c.opts.Temperature)}
	if c.opts.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.opts.MaxTokens))
	}
	answer, err := llmservice.GenerateText(ctx, c.model, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}
	return answer, nil
}

// Messages renders the prompt for question and the retrieved context.
func (c *Chain) Messages(question, retrieved string) ([]llms.MessageContent, error) {
	chat, err := c.prompt.FormatMessages(map[string]any{
		"question": question,
		"context":  retrieved,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}
	messages := make([]llms.MessageContent, 0, len(chat))
	for _, m := range chat {
		messages = append(messages, llms.TextParts(m.GetType(), m.GetContent()))
	}
	return messages, nil
}

// IsUnknown reports whether answer is the "I don't know" reply or empty.
func IsUnknown(answer string) bool {
	a := strings.TrimSpace(answer)
	return a == "" || a == models.UnknownAnswer
}
