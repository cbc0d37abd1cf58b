// Package chat orchestrates retrieval-augmented answering: it searches
// course indexes, folds in conversation history, and drives the
// generation model.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coursebot/backend/internal/index"
	"github.com/coursebot/backend/internal/session"
)

const (
	// historyLimit caps how many prior turns are folded into the prompt.
	historyLimit = 12

	defaultTopK = 5

	noContextAnswer = "I couldn't find relevant information in this course to answer that."
	failedAnswer    = "I couldn't generate a response at this time."
)

// Retriever searches a course index. *index.Registry satisfies it.
type Retriever interface {
	Search(ctx context.Context, courseID, query string, topK int) ([]index.ScoredChunk, error)
}

// Generator produces a completion for a prompt. *generate.Gateway
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Service answers course questions using retrieved material.
type Service struct {
	retriever  Retriever
	sessions   *session.Store
	generator  Generator
	topK       int
	threshold  float32
	expansions int
}

// NewService wires a chat service. topK, threshold and expansions are
// the defaults used when a request leaves them unset; threshold 0 and
// expansions 0 mean no filtering and no expansion.
func NewService(retriever Retriever, sessions *session.Store, generator Generator, topK int, threshold float32, expansions int) *Service {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Service{
		retriever:  retriever,
		sessions:   sessions,
		generator:  generator,
		topK:       topK,
		threshold:  threshold,
		expansions: expansions,
	}
}

// Request describes one question to answer.
type Request struct {
	CourseID string
	Query    string

	// TopK limits the merged result list; 0 uses the service default.
	TopK int
	// PerQueryK limits each variant's search; 0 means TopK.
	PerQueryK int
	// Threshold overrides the minimum similarity score; nil uses the
	// service default.
	Threshold *float32

	// SessionID, when set, folds conversation history into the prompt
	// and records both turns.
	SessionID string

	// Expansions asks for that many alternative query phrasings before
	// searching. 0 uses the service default; a negative value disables
	// expansion outright.
	Expansions int

	// Template overrides the chat prompt template.
	Template string

	// GenerateTimeout bounds the generation call. 0 means no extra
	// deadline beyond the request context.
	GenerateTimeout time.Duration

	// AnswerOnError substitutes a canned answer when generation fails
	// instead of surfacing the error.
	AnswerOnError bool
}

// Source is one retrieved chunk backing an answer.
type Source struct {
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response is an answer with the material that backed it.
type Response struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Ask answers a question about a course. When req.SessionID is set the
// session must exist and be active; the question and answer are
// recorded as turns. Retrieval degradations (failed expansion, a failed
// variant search) are logged and tolerated; an unknown session or a
// generation failure is not.
func (s *Service) Ask(ctx context.Context, req Request) (Response, error) {
	if req.Query == "" {
		return Response{}, fmt.Errorf("empty query")
	}
	if req.CourseID == "" {
		return Response{}, fmt.Errorf("empty course id")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}
	// An explicit request threshold wins even when it is zero; only a
	// nil one falls back to the service default.
	threshold := req.Threshold
	if threshold == nil && s.threshold > 0 {
		threshold = &s.threshold
	}

	var history []historyTurn
	if req.SessionID != "" {
		sess, err := s.sessions.GetSession(req.SessionID)
		if err != nil {
			return Response{}, fmt.Errorf("loading session %s: %w", req.SessionID, err)
		}
		if sess.Status != session.StatusActive {
			// Ended sessions are not addressable for new questions.
			return Response{}, fmt.Errorf("session %s has ended: %w", req.SessionID, session.ErrNotFound)
		}
		msgs, err := s.sessions.Messages(req.SessionID, historyLimit)
		if err != nil {
			slog.Warn("loading session history failed, continuing without it",
				"session_id", req.SessionID, "error", err)
		} else {
			history = make([]historyTurn, len(msgs))
			for i, m := range msgs {
				history[i] = historyTurn{Role: m.Role, Content: m.Content}
			}
		}
	}

	expansions := req.Expansions
	if expansions == 0 {
		expansions = s.expansions
	}
	variants := []string{req.Query}
	if expansions > 0 {
		variants = append(variants, s.expand(ctx, req.Query, expansions)...)
	}

	sources := s.searchVariants(ctx, req.CourseID, variants, topK, req.PerQueryK, threshold)

	if len(sources) == 0 {
		if req.SessionID != "" {
			s.recordTurns(req.SessionID, req.Query, noContextAnswer)
		}
		return Response{Answer: noContextAnswer, Sources: []Source{}}, nil
	}

	prompt := buildPrompt(TaskChat, req.Template, map[string]string{
		"context":  contextBlock(sources),
		"history":  formatHistory(history),
		"question": req.Query,
	})

	// The question is recorded before generation so a failed answer
	// still leaves the session's transcript accurate.
	if req.SessionID != "" {
		if _, err := s.sessions.AppendMessage(req.SessionID, session.RoleUser, req.Query); err != nil {
			slog.Warn("recording user turn failed", "session_id", req.SessionID, "error", err)
		}
	}

	genCtx := ctx
	if req.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, req.GenerateTimeout)
		defer cancel()
	}
	answer, err := s.generator.Generate(genCtx, prompt)
	if err != nil {
		if !req.AnswerOnError {
			return Response{Sources: toSources(sources)}, fmt.Errorf("generating answer: %w", err)
		}
		slog.Warn("generation failed, substituting fallback answer", "error", err)
		answer = failedAnswer
	}

	if req.SessionID != "" {
		if _, err := s.sessions.AppendMessage(req.SessionID, session.RoleAssistant, answer); err != nil {
			slog.Warn("recording assistant turn failed", "session_id", req.SessionID, "error", err)
		}
	}

	return Response{Answer: answer, Sources: toSources(sources)}, nil
}

// Search runs retrieval only, without generation or session handling.
func (s *Service) Search(ctx context.Context, courseID, query string, topK int, threshold *float32) ([]Source, error) {
	if topK <= 0 {
		topK = s.topK
	}
	if threshold == nil && s.threshold > 0 {
		threshold = &s.threshold
	}
	results, err := s.retriever.Search(ctx, courseID, query, topK)
	if err != nil {
		return nil, err
	}
	return toSources(filterByScore(results, threshold)), nil
}

// searchVariants fans the variants out concurrently and merges the
// per-variant lists. A variant whose search fails contributes nothing.
func (s *Service) searchVariants(ctx context.Context, courseID string, variants []string, topK, perQueryK int, threshold *float32) []index.ScoredChunk {
	if perQueryK <= 0 {
		perQueryK = topK
	}

	lists := make([][]index.ScoredChunk, len(variants))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, v := range variants {
		g.Go(func() error {
			results, err := s.retriever.Search(gctx, courseID, v, perQueryK)
			if err != nil {
				slog.Warn("variant search failed", "query", v, "error", err)
				return nil
			}
			mu.Lock()
			lists[i] = filterByScore(results, threshold)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return mergeResults(lists, topK)
}

// recordTurns appends a question/answer pair, logging but tolerating
// store failures.
func (s *Service) recordTurns(sessionID, question, answer string) {
	if _, err := s.sessions.AppendMessage(sessionID, session.RoleUser, question); err != nil {
		slog.Warn("recording user turn failed", "session_id", sessionID, "error", err)
		return
	}
	if _, err := s.sessions.AppendMessage(sessionID, session.RoleAssistant, answer); err != nil {
		slog.Warn("recording assistant turn failed", "session_id", sessionID, "error", err)
	}
}

// filterByScore keeps chunks scoring at least min. A nil min disables
// filtering; scores can be negative on normalized embeddings, so an
// explicit zero still drops anti-correlated chunks.
func filterByScore(chunks []index.ScoredChunk, min *float32) []index.ScoredChunk {
	if min == nil {
		return chunks
	}
	kept := chunks[:0:0]
	for _, c := range chunks {
		if c.Score >= *min {
			kept = append(kept, c)
		}
	}
	return kept
}

func toSources(chunks []index.ScoredChunk) []Source {
	sources := make([]Source, len(chunks))
	for i, c := range chunks {
		sources[i] = Source{Text: c.Text, Score: c.Score, Metadata: c.Metadata}
	}
	return sources
}
