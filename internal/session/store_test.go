package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 || versions[0] != 1 {
		t.Fatalf("expected migration 1 to be applied, got %v", versions)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("cs101", "week 3 questions")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != StatusActive {
		t.Errorf("new session status = %q, want %q", sess.Status, StatusActive)
	}

	ok, err := s.SessionExists(sess.ID)
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if !ok {
		t.Fatal("expected session to exist")
	}

	summary, err := s.EndSession(sess.ID, "manual summary")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if summary != "manual summary" {
		t.Errorf("summary = %q, want manual summary", summary)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != StatusEnded {
		t.Errorf("status after end = %q, want %q", got.Status, StatusEnded)
	}
	if got.Summary != "manual summary" {
		t.Errorf("stored summary = %q", got.Summary)
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	ok, err = s.SessionExists(sess.ID)
	if err != nil {
		t.Fatalf("SessionExists after delete: %v", err)
	}
	if ok {
		t.Error("session still exists after delete")
	}
	msgs, err := s.Messages(sess.ID, 10)
	if err != nil {
		t.Fatalf("Messages after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages after delete, got %d", len(msgs))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessageMissingSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendMessage("missing", RoleUser, "hello")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessageInvalidRole(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("cs101", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.AppendMessage(sess.ID, "system", "nope"); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestMessagesOrderAndLimit(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("cs101", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	contents := []string{"first", "second", "third", "fourth"}
	for i, c := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if _, err := s.AppendMessage(sess.ID, role, c); err != nil {
			t.Fatalf("AppendMessage %q: %v", c, err)
		}
	}

	msgs, err := s.Messages(sess.ID, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != contents[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Content, contents[i])
		}
	}

	// Limit keeps the newest messages, still returned oldest first.
	msgs, err = s.Messages(sess.ID, 2)
	if err != nil {
		t.Fatalf("Messages with limit: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "third" || msgs[1].Content != "fourth" {
		t.Errorf("limited messages = %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestEndSessionSynthesizesSummary(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("cs101", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Eight turns; only the last six should land in the summary.
	turns := []struct{ role, content string }{
		{RoleUser, "q1"},
		{RoleAssistant, "a1"},
		{RoleUser, "q2"},
		{RoleAssistant, "a2"},
		{RoleUser, "q3"},
		{RoleAssistant, "a3"},
		{RoleUser, "q4"},
		{RoleAssistant, "a4"},
	}
	for _, turn := range turns {
		if _, err := s.AppendMessage(sess.ID, turn.role, turn.content); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	summary, err := s.EndSession(sess.ID, "")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	want := "User: q2\nAssistant: a2\nUser: q3\nAssistant: a3\nUser: q4\nAssistant: a4"
	if summary != want {
		t.Errorf("summary = %q, want %q", summary, want)
	}
}

func TestEndSessionSummaryTruncated(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("cs101", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.AppendMessage(sess.ID, RoleUser, strings.Repeat("x", 3000)); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	summary, err := s.EndSession(sess.ID, "")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if len(summary) != summaryMaxChars {
		t.Errorf("summary length = %d, want %d", len(summary), summaryMaxChars)
	}
}

func TestEndSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.EndSession("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	if err := s.DeleteSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessionsByCourse(t *testing.T) {
	s := newTestStore(t)

	a, err := s.CreateSession("cs101", "a")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CreateSession("math200", "other"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	b, err := s.CreateSession("cs101", "b")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Touching session a makes it the most recently active.
	if _, err := s.AppendMessage(a.ID, RoleUser, "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	sessions, err := s.ListSessions("cs101", 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != a.ID || sessions[1].ID != b.ID {
		t.Errorf("order = %s, %s; want %s, %s", sessions[0].ID, sessions[1].ID, a.ID, b.ID)
	}
}

func TestFormatTimeSortsLexicographically(t *testing.T) {
	// A whole-second timestamp must not sort after a later fractional
	// one, so the stored strings need fixed-width fractions.
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	earlier := formatTime(base)
	later := formatTime(base.Add(time.Millisecond))
	if earlier >= later {
		t.Errorf("formatTime order broken: %q >= %q", earlier, later)
	}

	// Round-trips, and parseTime still accepts older trimmed values.
	if got, err := parseTime(earlier); err != nil || !got.Equal(base) {
		t.Errorf("parseTime(%q) = %v, %v", earlier, got, err)
	}
	if got, err := parseTime("2026-09-01T10:00:00Z"); err != nil || !got.Equal(base) {
		t.Errorf("parseTime(trimmed) = %v, %v", got, err)
	}
}
