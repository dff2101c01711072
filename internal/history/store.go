// Package history persists orchestrator events in sqlite for the API and
// for operators auditing what the engine did and why.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kestrelhq/kestrel/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	priority   TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	timestamp  TIMESTAMP NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	data       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

type eventRow struct {
	ID        string    `db:"id"`
	Type      string    `db:"type"`
	Priority  string    `db:"priority"`
	SessionID string    `db:"session_id"`
	ProjectID string    `db:"project_id"`
	Timestamp time.Time `db:"timestamp"`
	Message   string    `db:"message"`
	Data      string    `db:"data"`
}

// Filter narrows a history query. Zero values are ignored.
type Filter struct {
	SessionID string
	ProjectID string
	Type      string
	Limit     int
}

// Store is the sqlite-backed event history.
type Store struct {
	db *sqlx.DB
}

// Open opens (and migrates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one event. Duplicate ids are ignored so replayed bus
// deliveries are harmless.
func (s *Store) Record(ctx context.Context, event *events.Event) error {
	data := "{}"
	if event.Data != nil {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		data = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, type, priority, session_id, project_id, timestamp, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, string(event.Priority), event.SessionID,
		event.ProjectID, event.Timestamp.UTC(), event.Message, data)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns events newest-first, filtered and capped at filter.Limit
// (default 100).
func (s *Store) List(ctx context.Context, filter Filter) ([]*events.Event, error) {
	query := `SELECT id, type, priority, session_id, project_id, timestamp, message, data FROM events WHERE 1=1`
	var args []any
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query events: %w", err)
	}

	out := make([]*events.Event, 0, len(rows))
	for _, r := range rows {
		evt := &events.Event{
			ID:        r.ID,
			Type:      r.Type,
			Priority:  events.Priority(r.Priority),
			SessionID: r.SessionID,
			ProjectID: r.ProjectID,
			Timestamp: r.Timestamp,
			Message:   r.Message,
		}
		if r.Data != "" && r.Data != "{}" {
			var data map[string]any
			if err := json.Unmarshal([]byte(r.Data), &data); err == nil {
				evt.Data = data
			}
		}
		out = append(out, evt)
	}
	return out, nil
}

// Prune deletes events older than the retention window. Returns the number
// of rows removed.
func (s *Store) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
