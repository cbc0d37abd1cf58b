// Package index implements per-course vector indices: embedded text
// chunks stored durably on disk, searched by brute-force inner product.
// Vectors are expected to be unit-normalized by the embedding provider,
// so inner product equals cosine similarity.
package index

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Chunk is a unit of course text submitted for indexing. Metadata keys
// like "type", "source" and "original_path" are set by the ingestion
// pipeline and returned verbatim with search results.
type Chunk struct {
	Text     string
	Metadata map[string]string
}

// ScoredChunk is a search result. VectorID is the chunk's position in
// insertion order, unique within its course.
type ScoredChunk struct {
	VectorID int64
	Text     string
	Score    float32
	Metadata map[string]string
}

// Embedder turns text into unit-norm vectors. *embedding.Provider
// satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

const (
	indexFileName = "index.db"
	defaultTopK   = 5
)

// Index stores embedded chunks for a single course. Adds and drops are
// mutually exclusive with each other; searches run under a read lock
// and observe either the pre-add or post-add state, never a partial
// write (each add is a single transaction).
type Index struct {
	courseID string
	dir      string
	embedder Embedder

	mu sync.RWMutex
	db *sql.DB
}

// open loads the on-disk index for a course, creating an empty one if
// none exists. An unreadable on-disk index is discarded with a warning
// and the course starts empty; the load error never reaches the caller.
func open(courseID, dir string, embedder Embedder) (*Index, error) {
	db, err := openDB(dir)
	if err != nil {
		slog.Warn("course index unreadable, resetting to empty",
			"course_id", courseID, "path", dir, "error", err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return nil, fmt.Errorf("removing corrupt index for course %s: %w", courseID, rmErr)
		}
		db, err = openDB(dir)
		if err != nil {
			return nil, fmt.Errorf("recreating index for course %s: %w", courseID, err)
		}
	}
	return &Index{courseID: courseID, dir: dir, embedder: embedder, db: db}, nil
}

func openDB(dir string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging index database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	// AUTOINCREMENT keeps vector ids monotonic across the life of the course.
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		embedding BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating chunks table: %w", err)
	}

	// Reject a file that exists but does not hold the expected schema.
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('chunks')`).Scan(&n); err != nil || n != 5 {
		db.Close()
		if err == nil {
			err = fmt.Errorf("chunks table has %d columns, want 5", n)
		}
		return nil, fmt.Errorf("verifying index schema: %w", err)
	}

	return db, nil
}

// CourseID returns the course this index belongs to.
func (ix *Index) CourseID() string {
	return ix.courseID
}

// Add embeds the chunks and appends them to the index in one
// transaction. Either every chunk is stored and durable, or none are:
// an embedding failure aborts before any write, and the transaction
// covers the inserts. Previously indexed chunks are never touched.
func (ix *Index) Add(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks for course %s: %w", len(chunks), ix.courseID, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning add transaction: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO chunks (text, embedding, metadata, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, c := range chunks {
		meta, err := json.Marshal(nonNilMetadata(c.Metadata))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshalling metadata for chunk %d: %w", i, err)
		}
		if _, err := stmt.Exec(c.Text, encodeFloat32s(vecs[i]), string(meta), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the vector id and score during the scan phase of
// Search. Full rows are fetched only for top-K winners.
type idScore struct {
	ID    int64
	Score float32
}

// Search embeds the query and returns up to k chunks ordered by
// descending score, ties broken by insertion order (lower vector id
// first). An empty index yields an empty result, not an error.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		k = defaultTopK
	}

	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query for course %s: %w", ix.courseID, err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	// Phase 1: scan only id + embedding to find top-K candidates.
	// Scanning in id order plus strict > replacement keeps the earliest
	// inserted chunk on score ties.
	rows, err := ix.db.QueryContext(ctx, `SELECT id, embedding FROM chunks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for vector %d: %w", id, err)
		}

		score := dotProduct(vec, buf)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if better(idScore{ID: id, Score: score}, (*h)[0]) {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full rows only for the top-K ids.
	topIDs := make([]int64, h.Len())
	scores := make(map[int64]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	args := make([]any, len(topIDs))
	for i, id := range topIDs {
		args[i] = id
	}
	fullQuery := `SELECT id, text, metadata FROM chunks WHERE id IN (?` +
		strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := ix.db.QueryContext(ctx, fullQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredChunk
	for fullRows.Next() {
		var c ScoredChunk
		var meta string
		if err := fullRows.Scan(&c.VectorID, &c.Text, &meta); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for vector %d: %w", c.VectorID, err)
		}
		c.Score = scores[c.VectorID]
		results = append(results, c)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	// The IN query does not preserve order: sort by score descending,
	// insertion order on ties.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].VectorID < results[j].VectorID
	})

	return results, nil
}

// Count returns the number of indexed chunks.
func (ix *Index) Count() (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var count int
	err := ix.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&count)
	return count, err
}

// drop closes the index and removes its on-disk artifact. Missing
// files are not an error. The Index must not be used afterwards; the
// Registry forgets the instance.
func (ix *Index) drop() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.db.Close(); err != nil {
		return fmt.Errorf("closing index for course %s: %w", ix.courseID, err)
	}
	if err := os.RemoveAll(ix.dir); err != nil {
		return fmt.Errorf("removing index for course %s: %w", ix.courseID, err)
	}
	return nil
}

// close releases the database handle without touching the files.
func (ix *Index) close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Close()
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// better reports whether candidate a should displace b in the top-K
// heap: strictly higher score only, so earlier chunks win ties.
func better(a, b idScore) bool {
	return a.Score > b.Score
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided
// buffer, reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// dotProduct computes the inner product of two vectors. Vectors are
// unit-norm by contract, so this is cosine similarity. A dimension
// mismatch scores zero.
func dotProduct(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot)
}

// idScoreHeap is a min-heap of idScore: lowest score at the root, with
// the higher vector id ranking lower on equal scores so insertion-order
// winners survive eviction.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int { return len(h) }
func (h idScoreHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].ID > h[j].ID
}
func (h idScoreHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)   { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
