// Package ingest turns uploaded course documents into indexed chunks:
// extract text, split it, and hand the pieces to the course's vector
// index.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coursebot/backend/internal/index"
)

// Indexer appends chunks to a course index. *index.Registry satisfies it.
type Indexer interface {
	Add(ctx context.Context, courseID string, chunks []index.Chunk) error
}

// Document is one uploaded file to ingest into a course.
type Document struct {
	CourseID string
	Title    string
	// Name is the original filename, used for type sniffing hints and
	// source metadata.
	Name string
	Data []byte
	// Metadata is merged into every chunk's metadata.
	Metadata map[string]string
}

// Processor ingests documents.
type Processor struct {
	indexer Indexer
	chunker *Chunker
}

// NewProcessor returns a processor using the default chunking
// parameters.
func NewProcessor(indexer Indexer) *Processor {
	return &Processor{
		indexer: indexer,
		chunker: NewChunker(defaultChunkSize, defaultChunkOverlap),
	}
}

// Process extracts, chunks and indexes one document, returning the
// number of chunks stored. A document whose text is empty after
// extraction indexes nothing and returns 0.
func (p *Processor) Process(ctx context.Context, doc Document) (int, error) {
	if doc.CourseID == "" {
		return 0, fmt.Errorf("empty course id")
	}

	text, err := ExtractText(doc.Name, doc.Data)
	if err != nil {
		return 0, fmt.Errorf("extracting %s: %w", doc.Name, err)
	}

	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		slog.Warn("document produced no chunks", "course_id", doc.CourseID, "name", doc.Name)
		return 0, nil
	}

	chunks := make([]index.Chunk, len(pieces))
	for i, piece := range pieces {
		meta := map[string]string{
			"source": doc.Name,
			"title":  doc.Title,
		}
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		chunks[i] = index.Chunk{Text: piece, Metadata: meta}
	}

	if err := p.indexer.Add(ctx, doc.CourseID, chunks); err != nil {
		return 0, fmt.Errorf("indexing %s: %w", doc.Name, err)
	}
	slog.Info("document ingested", "course_id", doc.CourseID, "name", doc.Name, "chunks", len(chunks))
	return len(chunks), nil
}
