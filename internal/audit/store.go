// Package audit records every login outcome durably and fans events out
// to live subscribers.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Event types.
const (
	EventLoginInitiated = "login.initiated"
	EventLoginAccepted  = "login.accepted"
	EventLoginRejected  = "login.rejected"
	EventLogout         = "logout"
)

// Event is one audit record. Reason holds the stable rejection code for
// rejected logins and is empty otherwise.
type Event struct {
	ID            string    `json:"id"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Email         string    `json:"email,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	RemoteAddr    string    `json:"remoteAddr,omitempty"`
}

// Store persists events in sqlite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path and ensures the
// schema. WAL keeps writers from blocking the read path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS login_events (
		id             TEXT PRIMARY KEY,
		at             INTEGER NOT NULL,
		type           TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		email          TEXT NOT NULL DEFAULT '',
		session_id     TEXT NOT NULL DEFAULT '',
		remote_addr    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_login_events_at ON login_events(at);
	CREATE INDEX IF NOT EXISTS idx_login_events_email ON login_events(email);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

// Insert stores one event. The caller fills everything except ID and Time,
// which default here.
func (s *Store) Insert(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_events (id, at, type, reason, correlation_id, email, session_id, remote_addr)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time.UnixMilli(), ev.Type, ev.Reason, ev.CorrelationID, ev.Email, ev.SessionID, ev.RemoteAddr,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, type, reason, correlation_id, email, session_id, remote_addr
		FROM login_events ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var at int64
		if err := rows.Scan(&ev.ID, &at, &ev.Type, &ev.Reason, &ev.CorrelationID, &ev.Email, &ev.SessionID, &ev.RemoteAddr); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Time = time.UnixMilli(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM login_events WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
