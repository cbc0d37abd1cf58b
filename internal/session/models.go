package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("session not found")

// Session statuses.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one conversational thread scoped to a course.
type Session struct {
	ID           string
	CourseID     string
	Title        string
	Summary      string
	Status       string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Message is one turn within a session. Immutable once created.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}
