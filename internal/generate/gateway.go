// Package generate is the language-generation boundary: it turns an
// assembled prompt into completion text using a local inference backend.
package generate

import (
	"context"
	"fmt"

	"github.com/coursebot/backend/internal/ollama"
)

const (
	defaultMaxTokens   = 1024
	defaultTemperature = 0.3
)

// Chatter is the inference call the gateway depends on. *ollama.Client
// satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, opts *ollama.ChatOptions) (string, error)
}

// Gateway produces completions with fixed generation parameters.
type Gateway struct {
	client      Chatter
	model       string
	maxTokens   int
	temperature float64
}

// NewGateway creates a Gateway for the given model. Non-positive
// maxTokens or temperature fall back to the defaults (1024, 0.3).
func NewGateway(client Chatter, model string, maxTokens int, temperature float64) *Gateway {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	return &Gateway{client: client, model: model, maxTokens: maxTokens, temperature: temperature}
}

// Generate sends the prompt as a single user message and returns the
// completion. The caller controls cancellation and timeout via ctx.
func (g *Gateway) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := g.client.Chat(ctx, g.model, []ollama.Message{
		{Role: "user", Content: prompt},
	}, &ollama.ChatOptions{Temperature: g.temperature, MaxTokens: g.maxTokens})
	if err != nil {
		return "", fmt.Errorf("generating completion: %w", err)
	}
	return out, nil
}
