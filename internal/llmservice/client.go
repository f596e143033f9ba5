package llmservice

import (
	"context"
	"errors"
	"fmt"

	"tax-rag/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// ErrEmptyResponse is returned when the model answers without any choice.
var ErrEmptyResponse = errors.New("empty response from model")

// NewChatModel creates the Gemini model used to generate grounded answers.
func NewChatModel(ctx context.Context, chatConfig *config.ChatConfig, apiKey string) (llms.Model, error) {
	log.Debug().
		Str("model", chatConfig.Model).
		Float64("temperature", chatConfig.Temperature).
		Msg("Creating chat model")

	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(chatConfig.Model),
		googleai.WithDefaultTemperature(chatConfig.Temperature),
		googleai.WithDefaultMaxTokens(chatConfig.MaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	if !chatConfig.Breaker.Enabled {
		return llm, nil
	}
	return NewBreakerModel(llm, "chat", chatConfig.Breaker), nil
}

// NewVisionModel creates the Gemini model used to read scanned pages.
func NewVisionModel(ctx context.Context, extractorConfig *config.ExtractorConfig, apiKey string) (llms.Model, error) {
	log.Debug().Str("model", extractorConfig.Model).Msg("Creating vision model")

	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(extractorConfig.Model),
		googleai.WithDefaultTemperature(0),
		googleai.WithDefaultMaxTokens(8192),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision model: %w", err)
	}
	return llm, nil
}

// GenerateText sends messages to the model and returns the first choice's text.
func GenerateText(ctx context.Context, model llms.Model, messages []llms.MessageContent, options ...llms.CallOption) (string, error) {
	res, err := model.GenerateContent(ctx, messages, options...)
	if err != nil {
		return "", err
	}
	if res == nil || len(res.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return res.Choices[0].Content, nil
}
