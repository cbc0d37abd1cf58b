package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const courseDirPrefix = "course_"

// Registry resolves a course id to its Index, loading or creating it on
// first use. It guarantees at most one live Index per course in the
// process; different courses never contend on a shared lock beyond the
// brief map lookup, even while one of them is still loading from disk.
type Registry struct {
	root     string
	embedder Embedder

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// registryEntry serializes loading of one course. Holding its lock
// during open() keeps the disk I/O off the registry-wide lock.
type registryEntry struct {
	mu sync.Mutex
	ix *Index
}

// NewRegistry creates a Registry storing one index directory per
// course under root.
func NewRegistry(root string, embedder Embedder) *Registry {
	return &Registry{
		root:     root,
		embedder: embedder,
		entries:  make(map[string]*registryEntry),
	}
}

// Get returns the live Index for the course, loading it from disk or
// creating an empty one as needed.
func (r *Registry) Get(courseID string) (*Index, error) {
	if !validCourseID(courseID) {
		return nil, fmt.Errorf("invalid course id %q", courseID)
	}

	r.mu.Lock()
	e, ok := r.entries[courseID]
	if !ok {
		e = &registryEntry{}
		r.entries[courseID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ix != nil {
		return e.ix, nil
	}

	ix, err := open(courseID, r.courseDir(courseID), r.embedder)
	if err != nil {
		// Drop the placeholder so a later Get retries the load.
		r.mu.Lock()
		if r.entries[courseID] == e {
			delete(r.entries, courseID)
		}
		r.mu.Unlock()
		return nil, err
	}
	e.ix = ix
	return ix, nil
}

// loaded returns the course's Index if it is already open, nil
// otherwise.
func (r *Registry) loaded(courseID string) *Index {
	r.mu.Lock()
	e, ok := r.entries[courseID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ix
}

// Add embeds and appends chunks to the course's index.
func (r *Registry) Add(ctx context.Context, courseID string, chunks []Chunk) error {
	ix, err := r.Get(courseID)
	if err != nil {
		return err
	}
	return ix.Add(ctx, chunks)
}

// Search runs a similarity query against the course's index.
func (r *Registry) Search(ctx context.Context, courseID, query string, topK int) ([]ScoredChunk, error) {
	ix, err := r.Get(courseID)
	if err != nil {
		return nil, err
	}
	return ix.Search(ctx, query, topK)
}

// Exists reports whether a non-empty persisted index is present for
// the course. Unlike Get it never creates one.
func (r *Registry) Exists(courseID string) bool {
	if !validCourseID(courseID) {
		return false
	}

	if ix := r.loaded(courseID); ix != nil {
		n, err := ix.Count()
		return err == nil && n > 0
	}

	if _, err := os.Stat(filepath.Join(r.courseDir(courseID), indexFileName)); err != nil {
		return false
	}
	ix, err := r.Get(courseID)
	if err != nil {
		return false
	}
	n, err := ix.Count()
	return err == nil && n > 0
}

// List enumerates the course ids with a persisted index on disk.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading index root: %w", err)
	}

	var courses []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), courseDirPrefix) {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.root, e.Name(), indexFileName)); err != nil {
			continue
		}
		courses = append(courses, strings.TrimPrefix(e.Name(), courseDirPrefix))
	}
	return courses, nil
}

// Delete removes the course's index from memory and disk. Deleting a
// course that was never indexed is a no-op.
func (r *Registry) Delete(courseID string) error {
	if !validCourseID(courseID) {
		return fmt.Errorf("invalid course id %q", courseID)
	}

	r.mu.Lock()
	e, ok := r.entries[courseID]
	delete(r.entries, courseID)
	r.mu.Unlock()

	if ok {
		e.mu.Lock()
		ix := e.ix
		e.ix = nil
		e.mu.Unlock()
		if ix != nil {
			return ix.drop()
		}
	}
	if err := os.RemoveAll(r.courseDir(courseID)); err != nil {
		return fmt.Errorf("removing index for course %s: %w", courseID, err)
	}
	return nil
}

// Close releases every loaded index's database handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	var firstErr error
	for id, e := range entries {
		e.mu.Lock()
		ix := e.ix
		e.ix = nil
		e.mu.Unlock()
		if ix == nil {
			continue
		}
		if err := ix.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing index for course %s: %w", id, err)
		}
	}
	return firstErr
}

func (r *Registry) courseDir(courseID string) string {
	return filepath.Join(r.root, courseDirPrefix+courseID)
}

// validCourseID limits course ids to path-safe characters so ids map
// 1:1 onto index directory names.
func validCourseID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return !strings.HasPrefix(id, ".")
}
