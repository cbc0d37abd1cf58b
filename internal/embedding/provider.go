// Package embedding turns text into fixed-dimension unit vectors via a
// local inference backend. All vectors are L2-normalized so that inner
// product equals cosine similarity downstream.
package embedding

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// Client is the inference call the provider depends on. *ollama.Client
// satisfies it.
type Client interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Provider wraps an embedding model endpoint.
type Provider struct {
	client Client
	model  string
}

// NewProvider creates a Provider using the given client and model name.
func NewProvider(client Client, model string) *Provider {
	return &Provider{client: client, model: model}
}

// Embed returns the normalized embedding vector for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.client.Embed(ctx, p.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return normalize(vec), nil
}

// EmbedBatch returns normalized embedding vectors for multiple texts
// concurrently. Returns nil (not error) for empty input. If any text
// fails to embed, the whole batch fails.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the backend.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := p.client.Embed(gCtx, p.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = normalize(vec)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// normalize scales v to unit length in place. A zero vector is returned
// unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}
