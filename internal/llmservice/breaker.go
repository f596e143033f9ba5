package llmservice

import (
	"context"
	"errors"

	"tax-rag/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
)

// BreakerModel fails fast while the wrapped model keeps failing.
// Caller cancellations do not count as failures.
type BreakerModel struct {
	inner   llms.Model
	breaker *gobreaker.CircuitBreaker
}

var _ llms.Model = (*BreakerModel)(nil)

func NewBreakerModel(inner llms.Model, name string, cfg config.BreakerConfig) *BreakerModel {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
	return &BreakerModel{inner: inner, breaker: breaker}
}

// State reports the breaker state, mostly for health output.
func (b *BreakerModel) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.GenerateContent(ctx, messages, options...)
	})
	if err != nil {
		return nil, err
	}
	return res.(*llms.ContentResponse), nil
}

func (b *BreakerModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, b, prompt, options...)
}
