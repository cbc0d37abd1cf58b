// Package api exposes the course assistant over HTTP and MCP.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coursebot/backend/internal/chat"
	"github.com/coursebot/backend/internal/index"
	"github.com/coursebot/backend/internal/ingest"
	"github.com/coursebot/backend/internal/session"
)

const maxRequestBodySize = 1 << 20  // 1MB
const maxUploadBodySize = 10 << 20  // 10MB

// Deps holds the services the HTTP API is built on.
type Deps struct {
	Chat     *chat.Service
	Registry *index.Registry
	Sessions *session.Store
	Ingest   *ingest.Processor
	// Token enables bearer auth when non-empty.
	Token   string
	Version string
}

// NewHandler returns the REST API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Get("/health", handleHealth(deps))

	r.Post("/chat", handleChat(deps))
	r.Post("/search", handleSearch(deps))

	r.Get("/courses", handleListCourses(deps))
	r.Post("/courses/{courseID}/documents", handleUploadDocument(deps))
	r.Delete("/courses/{courseID}/index", handleDeleteIndex(deps))

	r.Post("/sessions", handleCreateSession(deps))
	r.Get("/sessions", handleListSessions(deps))
	r.Post("/sessions/{sessionID}/end", handleEndSession(deps))
	r.Delete("/sessions/{sessionID}", handleDeleteSession(deps))
	r.Get("/sessions/{sessionID}/messages", handleListMessages(deps))

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": deps.Version,
		})
	}
}

type chatRequest struct {
	CourseID   string   `json:"course_id"`
	Query      string   `json:"query"`
	SessionID  string   `json:"session_id"`
	TopK       int      `json:"top_k"`
	Threshold  *float32 `json:"threshold"`
	Expansions int      `json:"expansions"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CourseID == "" || req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "course_id and query are required")
			return
		}

		resp, err := deps.Chat.Ask(r.Context(), chat.Request{
			CourseID:   req.CourseID,
			Query:      req.Query,
			SessionID:  req.SessionID,
			TopK:       req.TopK,
			Threshold:  req.Threshold,
			Expansions: req.Expansions,
			// API clients get a readable answer even when the model is down.
			AnswerOnError: true,
		})
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "chat failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

type searchRequest struct {
	CourseID  string   `json:"course_id"`
	Query     string   `json:"query"`
	TopK      int      `json:"top_k"`
	Threshold *float32 `json:"threshold"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CourseID == "" || req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "course_id and query are required")
			return
		}

		sources, err := deps.Chat.Search(r.Context(), req.CourseID, req.Query, req.TopK, req.Threshold)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if sources == nil {
			sources = []chat.Source{}
		}

		writeJSON(w, http.StatusOK, map[string]any{"results": sources})
	}
}

func handleListCourses(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courses, err := deps.Registry.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing courses: %v", err)
			return
		}
		if courses == nil {
			courses = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"courses": courses})
	}
}

type uploadRequest struct {
	Name          string            `json:"name"`
	Title         string            `json:"title"`
	Content       string            `json:"content"`
	ContentBase64 string            `json:"content_base64"`
	Metadata      map[string]string `json:"metadata"`
}

func handleUploadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		courseID := chi.URLParam(r, "courseID")

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		var data []byte
		switch {
		case req.ContentBase64 != "":
			decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			data = decoded
		case req.Content != "":
			data = []byte(req.Content)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of content or content_base64 is required")
			return
		}

		n, err := deps.Ingest.Process(r.Context(), ingest.Document{
			CourseID: courseID,
			Title:    req.Title,
			Name:     req.Name,
			Data:     data,
			Metadata: req.Metadata,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingest failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status": "indexed",
			"chunks": n,
		})
	}
}

func handleDeleteIndex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID := chi.URLParam(r, "courseID")

		if err := deps.Registry.Delete(courseID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting index: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type createSessionRequest struct {
	CourseID string `json:"course_id"`
	Title    string `json:"title"`
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CourseID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "course_id is required")
			return
		}

		sess, err := deps.Sessions.CreateSession(req.CourseID, req.Title)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating session: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID := r.URL.Query().Get("course_id")
		if courseID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "course_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		sessions, err := deps.Sessions.ListSessions(courseID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing sessions: %v", err)
			return
		}
		if sessions == nil {
			sessions = []session.Session{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}

type endSessionRequest struct {
	Summary string `json:"summary"`
}

func handleEndSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "sessionID")

		var req endSessionRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		summary, err := deps.Sessions.EndSession(id, req.Summary)
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ending session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ended",
			"summary": summary,
		})
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")

		err := deps.Sessions.DeleteSession(id)
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")

		exists, err := deps.Sessions.SessionExists(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "checking session: %v", err)
			return
		}
		if !exists {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}

		limit := parseIntParam(r, "limit", 50, 500)
		msgs, err := deps.Sessions.Messages(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing messages: %v", err)
			return
		}
		if msgs == nil {
			msgs = []session.Message{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
