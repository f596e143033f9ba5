package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tax-rag/internal/llmservice"
	"tax-rag/internal/metrics"
	"tax-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxRetries = 5
	DefaultDelay      = 3 * time.Second

	imageMIMEType = "image/png"
)

// Outcome tells how an extraction ended.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeExhausted means every attempt failed with a retryable error.
	OutcomeExhausted
	// OutcomeFatal means a non-retryable error stopped extraction at once.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeFatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result of one page extraction. On failure Text holds models.ExtractionFailedMarker
// and Err the last upstream error.
type Result struct {
	Text     string
	Outcome  Outcome
	Attempts int
	Err      error
}

func (r Result) OK() bool { return r.Outcome == OutcomeOK }

type Options struct {
	MaxRetries int
	// Delay between attempts. Negative selects DefaultDelay, zero retries at once.
	Delay time.Duration
	// RequestsPerMinute paces attempts; zero disables pacing.
	RequestsPerMinute int
}

// Extractor turns a rendered page image into text using a vision model.
// It keeps no state between calls apart from the rate limiter.
type Extractor struct {
	model      llms.Model
	maxRetries int
	delay      time.Duration
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(model llms.Model, opts Options) *Extractor {
	e := &Extractor{
		model:      model,
		maxRetries: opts.MaxRetries,
		delay:      opts.Delay,
		sleep:      sleepContext,
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.delay < 0 {
		e.delay = DefaultDelay
	}
	if opts.RequestsPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return e
}

// Extract sends image with the fixed extraction instruction. Retryable failures
// are retried up to the configured number of attempts with a fixed delay.
func (e *Extractor) Extract(ctx context.Context, image []byte) Result {
	start := time.Now()
	res := e.extract(ctx, image)
	metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	metrics.ExtractionOutcomesTotal.WithLabelValues(res.Outcome.String()).Inc()
	return res
}

func (e *Extractor) extract(ctx context.Context, image []byte) Result {
	messages := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart(models.ExtractionPrompt),
				llms.BinaryPart(imageMIMEType, image),
			},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return failed(OutcomeFatal, attempt-1, err)
			}
		}

		text, err := llmservice.GenerateText(ctx, e.model, messages)
		if err == nil {
			metrics.ExtractionAttemptsTotal.WithLabelValues("ok").Inc()
			return Result{Text: text, Outcome: OutcomeOK, Attempts: attempt}
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			metrics.ExtractionAttemptsTotal.WithLabelValues("fatal").Inc()
			log.Error().Err(err).Int("attempt", attempt).Msg("Unexpected extraction error")
			return failed(OutcomeFatal, attempt, err)
		}

		metrics.ExtractionAttemptsTotal.WithLabelValues("retryable").Inc()
		if attempt == e.maxRetries {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", e.delay).Msg("Internal server error, retrying")
		if err := e.sleep(ctx, e.delay); err != nil {
			return failed(OutcomeFatal, attempt, errors.Join(lastErr, err))
		}
	}

	log.Error().Err(lastErr).Int("attempts", e.maxRetries).Msg("Extraction retries exhausted")
	return failed(OutcomeExhausted, e.maxRetries, lastErr)
}

func failed(outcome Outcome, attempts int, err error) Result {
	return Result{
		Text:     models.ExtractionFailedMarker,
		Outcome:  outcome,
		Attempts: attempts,
		Err:      err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
