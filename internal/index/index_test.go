package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// stubEmbedder returns fixed unit vectors for known texts so tests can
// control similarity exactly. Unknown texts map to a far-away vector.
type stubEmbedder struct {
	vectors map[string][]float32
	failOn  string
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.failOn != "" && text == s.failOn {
		return nil, errors.New("encode failed")
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

const (
	parisChunk  = "Paris is the capital of France."
	berlinChunk = "Berlin is the capital of Germany."
)

// capitalsEmbedder places the Paris chunk closest to the
// "capital of France" query.
func capitalsEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{
		parisChunk:          {1, 0, 0},
		berlinChunk:         {0, 1, 0},
		"capital of France": {0.9486833, 0.31622776, 0}, // unit vector near Paris
	}}
}

func newTestRegistry(t *testing.T, emb Embedder) *Registry {
	t.Helper()
	r := NewRegistry(t.TempDir(), emb)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSearchEmptyIndex(t *testing.T) {
	r := newTestRegistry(t, capitalsEmbedder())

	results, err := r.Search(context.Background(), "geo101", "anything", 5)
	if err != nil {
		t.Fatalf("Search on empty index: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestAddThenSearch(t *testing.T) {
	r := newTestRegistry(t, capitalsEmbedder())
	ctx := context.Background()

	err := r.Add(ctx, "geo101", []Chunk{
		{Text: parisChunk, Metadata: map[string]string{"type": "resource", "source": "moodle"}},
		{Text: berlinChunk, Metadata: map[string]string{"type": "resource"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := r.Search(ctx, "geo101", "capital of France", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Text != parisChunk {
		t.Errorf("top result = %q, want the Paris chunk", results[0].Text)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %f <= %f", results[0].Score, results[1].Score)
	}
	if results[0].Metadata["source"] != "moodle" {
		t.Errorf("metadata lost: %v", results[0].Metadata)
	}
}

func TestAddIsIncremental(t *testing.T) {
	r := newTestRegistry(t, capitalsEmbedder())
	ctx := context.Background()

	if err := r.Add(ctx, "geo101", []Chunk{{Text: parisChunk}}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := r.Add(ctx, "geo101", []Chunk{{Text: berlinChunk}}); err != nil {
		t.Fatalf("second Add: %v", err)
	}

	// A later batch must not displace earlier content.
	results, err := r.Search(ctx, "geo101", "capital of France", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results after two adds, want 2", len(results))
	}
	if results[0].Text != parisChunk {
		t.Errorf("first-batch chunk missing from results: %v", results)
	}

	ix, err := r.Get("geo101")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n, _ := ix.Count(); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestAddEmbeddingFailureNoPartialWrite(t *testing.T) {
	emb := capitalsEmbedder()
	emb.failOn = berlinChunk
	r := newTestRegistry(t, emb)
	ctx := context.Background()

	err := r.Add(ctx, "geo101", []Chunk{{Text: parisChunk}, {Text: berlinChunk}})
	if err == nil {
		t.Fatal("Add with failing embedding returned nil error")
	}

	ix, err := r.Get("geo101")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n, _ := ix.Count(); n != 0 {
		t.Errorf("Count = %d after failed add, want 0", n)
	}
}

func TestSearchTieBreakInsertionOrder(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"first":  {1, 0, 0},
		"second": {1, 0, 0},
		"query":  {1, 0, 0},
	}}
	r := newTestRegistry(t, emb)
	ctx := context.Background()

	if err := r.Add(ctx, "geo101", []Chunk{{Text: "first"}, {Text: "second"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := r.Search(ctx, "geo101", "query", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Text != "first" {
		t.Errorf("tie broken wrong: got %q, want the earlier chunk", results[0].Text)
	}
}

func TestSearchTopKTruncation(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"query": {0, 0, 1}}}
	r := newTestRegistry(t, emb)
	ctx := context.Background()

	chunks := []Chunk{
		{Text: "one"}, {Text: "two"}, {Text: "three"}, {Text: "four"},
	}
	if err := r.Add(ctx, "geo101", chunks); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := r.Search(ctx, "geo101", "query", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

func TestCorruptIndexResetsToEmpty(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, courseDirPrefix+"geo101")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, indexFileName), []byte("not a database"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(root, capitalsEmbedder())
	t.Cleanup(func() { r.Close() })

	results, err := r.Search(context.Background(), "geo101", "capital of France", 5)
	if err != nil {
		t.Fatalf("Search after corruption: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from a reset index, want 0", len(results))
	}

	// The reset index must be usable again.
	if err := r.Add(context.Background(), "geo101", []Chunk{{Text: parisChunk}}); err != nil {
		t.Fatalf("Add after reset: %v", err)
	}
}
