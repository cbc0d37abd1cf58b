package embedding

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
)

// stubClient returns a fixed vector per text, or an error for texts in fail.
type stubClient struct {
	vectors map[string][]float32
	fail    map[string]bool
	calls   atomic.Int64
}

func (s *stubClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	s.calls.Add(1)
	if s.fail[text] {
		return nil, errors.New("encode failed")
	}
	v, ok := s.vectors[text]
	if !ok {
		return []float32{1, 0, 0}, nil
	}
	// Copy so normalization does not mutate the fixture.
	out := make([]float32, len(v))
	copy(out, v)
	return out, nil
}

func TestEmbed_Normalizes(t *testing.T) {
	c := &stubClient{vectors: map[string][]float32{"hello": {3, 4}}}
	p := NewProvider(c, "test-model")

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("norm² = %f, want 1.0", sum)
	}
	if math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Errorf("vec = %v, want [0.6 0.8]", vec)
	}
}

func TestEmbedBatch_Order(t *testing.T) {
	c := &stubClient{vectors: map[string][]float32{
		"a": {1, 0},
		"b": {0, 1},
	}}
	p := NewProvider(c, "test-model")

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("batch order not preserved: %v", vecs)
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	p := NewProvider(&stubClient{}, "test-model")
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", vecs)
	}
}

func TestEmbedBatch_FailureFailsBatch(t *testing.T) {
	c := &stubClient{fail: map[string]bool{"bad": true}}
	p := NewProvider(c, "test-model")

	if _, err := p.EmbedBatch(context.Background(), []string{"ok", "bad", "ok2"}); err == nil {
		t.Error("EmbedBatch with failing text returned nil error")
	}
}
