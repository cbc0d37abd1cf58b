// Package session provides durable storage for conversational sessions
// and their messages, backed by SQLite.
package session

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	dbFileName = "conversations.db"

	// summaryMessageCount is how many trailing messages feed a
	// synthesized session summary.
	summaryMessageCount = 6

	// summaryMaxChars caps a synthesized summary.
	summaryMaxChars = 2000

	defaultMessageLimit = 50
)

// Store wraps a SQLite database holding sessions and messages.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the conversation database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for an in-memory
// database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, dbFileName)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors;
	// this also serializes same-session appends so creation order and
	// storage order agree.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// CreateSession opens a new active session for the course and returns it.
func (s *Store) CreateSession(courseID, title string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:           uuid.New().String(),
		CourseID:     courseID,
		Title:        title,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, course_id, title, summary, status, created_at, last_active_at)
		VALUES (?, ?, ?, '', ?, ?, ?)`,
		sess.ID, sess.CourseID, sess.Title, sess.Status,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session, or ErrNotFound.
func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	var createdAt, lastActiveAt string
	err := s.db.QueryRow(`
		SELECT id, course_id, title, summary, status, created_at, last_active_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.CourseID, &sess.Title, &sess.Summary, &sess.Status, &createdAt, &lastActiveAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.LastActiveAt, err = parseTime(lastActiveAt); err != nil {
		return Session{}, fmt.Errorf("parsing last_active_at: %w", err)
	}
	return sess, nil
}

// SessionExists reports whether a session with the given id exists.
func (s *Store) SessionExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AppendMessage records one turn and bumps the session's last activity
// time in the same transaction. Role must be RoleUser or RoleAssistant.
func (s *Store) AppendMessage(sessionID, role, content string) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("invalid role %q", role)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	if err := tx.QueryRow("SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}

	now := time.Now().UTC()
	msg := Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, formatTime(now),
	); err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	if _, err := tx.Exec("UPDATE sessions SET last_active_at = ? WHERE id = ?",
		formatTime(now), sessionID); err != nil {
		return Message{}, fmt.Errorf("bumping last_active_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing append: %w", err)
	}
	return msg, nil
}

// Messages returns the most recent limit messages of the session,
// oldest first. rowid breaks creation-time ties so the order always
// matches insertion order.
func (s *Store) Messages(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest first; callers want oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// EndSession marks the session ended and stores its summary. If
// summary is empty, one is synthesized from the last few messages,
// role-prefixed and truncated. Returns the stored summary.
func (s *Store) EndSession(id, summary string) (string, error) {
	if summary == "" {
		msgs, err := s.Messages(id, summaryMessageCount)
		if err != nil {
			return "", fmt.Errorf("loading messages for summary: %w", err)
		}
		parts := make([]string, len(msgs))
		for i, m := range msgs {
			parts[i] = capitalizeRole(m.Role) + ": " + m.Content
		}
		summary = strings.Join(parts, "\n")
		if len(summary) > summaryMaxChars {
			summary = summary[:summaryMaxChars]
		}
	}

	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, summary = ?, last_active_at = ? WHERE id = ?`,
		StatusEnded, summary, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNotFound
	}
	return summary, nil
}

// DeleteSession removes the session and all its messages.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	res, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// ListSessions returns the course's sessions, most recently active first.
func (s *Store) ListSessions(courseID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, course_id, title, summary, status, created_at, last_active_at
		FROM sessions WHERE course_id = ?
		ORDER BY last_active_at DESC LIMIT ?`, courseID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var createdAt, lastActiveAt string
		if err := rows.Scan(&sess.ID, &sess.CourseID, &sess.Title, &sess.Summary, &sess.Status, &createdAt, &lastActiveAt); err != nil {
			return nil, err
		}
		if sess.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if sess.LastActiveAt, err = parseTime(lastActiveAt); err != nil {
			return nil, fmt.Errorf("parsing last_active_at: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func capitalizeRole(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// timeLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano
// trims trailing fractional zeros, which breaks the lexicographic
// ordering the created_at columns are sorted by; the fixed width keeps
// string order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
