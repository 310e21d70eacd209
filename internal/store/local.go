// Package store provides the durable SQLite session archive: every user
// message ever sent, plus archived reasoning traces, survive here even when
// compression reshapes the in-memory working set.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"ollm/internal/logging"
)

// LocalStore is the SQLite-backed session archive.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &LocalStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_messages (
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id);

	CREATE TABLE IF NOT EXISTS reasoning_archive (
		trace_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		insights_json TEXT,
		archived_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reasoning_archive_session ON reasoning_archive(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// StoredMessage is one archived conversation message.
type StoredMessage struct {
	MessageID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// StoreMessage archives a message. INSERT OR IGNORE keeps re-archiving
// after a snapshot restore idempotent.
func (s *LocalStore) StoreMessage(sessionID, messageID, role, content string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Archiving message: session=%s id=%s role=%s len=%d", sessionID, messageID, role, len(content))

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO session_messages (session_id, message_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, messageID, role, content, createdAt.UTC(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to archive message %s: %v", messageID, err)
		return err
	}
	return nil
}

// UserMessages returns every archived user message for a session, oldest
// first. The archive backs the user-message permanence guarantee.
func (s *LocalStore) UserMessages(sessionID string) ([]StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT message_id, role, content, created_at FROM session_messages
		 WHERE session_id = ? AND role = 'user' ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.MessageID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessageCount returns the number of archived messages for a session.
func (s *LocalStore) MessageCount(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM session_messages WHERE session_id = ?`, sessionID,
	).Scan(&n)
	return n, err
}

// ArchivedTrace is one archived reasoning trace row.
type ArchivedTrace struct {
	TraceID    string
	MessageID  string
	Summary    string
	Insights   []string
	ArchivedAt time.Time
}

// ArchiveReasoningTrace persists an aged reasoning trace.
func (s *LocalStore) ArchiveReasoningTrace(sessionID, traceID, messageID, summary string, insights []string, archivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	insightsJSON, err := json.Marshal(insights)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO reasoning_archive (trace_id, session_id, message_id, summary, insights_json, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		traceID, sessionID, messageID, summary, string(insightsJSON), archivedAt.UTC(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to archive trace %s: %v", traceID, err)
	}
	return err
}

// ArchivedTraces returns up to limit archived traces for a session, newest
// first.
func (s *LocalStore) ArchivedTraces(sessionID string, limit int) ([]ArchivedTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT trace_id, message_id, summary, insights_json, archived_at FROM reasoning_archive
		 WHERE session_id = ? ORDER BY archived_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedTrace
	for rows.Next() {
		var t ArchivedTrace
		var insightsJSON sql.NullString
		if err := rows.Scan(&t.TraceID, &t.MessageID, &t.Summary, &insightsJSON, &t.ArchivedAt); err != nil {
			continue
		}
		if insightsJSON.Valid && insightsJSON.String != "" {
			_ = json.Unmarshal([]byte(insightsJSON.String), &t.Insights)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *LocalStore) Close() error {
	return s.db.Close()
}
