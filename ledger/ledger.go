// Package ledger keeps a SQLite audit log of agent sessions: every
// non-streaming event, plus one summary row per run.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/martinemde/cerebras-agent/agentloop"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events and runs tables.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id, id);

		CREATE TABLE IF NOT EXISTS runs (
			session_id TEXT PRIMARY KEY,
			model TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			status TEXT NOT NULL DEFAULT 'running',
			turns INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_requests INTEGER NOT NULL DEFAULT 0,
			error TEXT
		);
	`)
	return err
}

// Entry is one stored event.
type Entry struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	Kind      agentloop.EventKind
	Payload   map[string]any
}

// Run is the summary row of one session.
type Run struct {
	SessionID        string
	Model            string
	WorkingDir       string
	StartedAt        time.Time
	FinishedAt       *time.Time
	Status           string
	Turns            int
	PromptTokens     int
	CompletionTokens int
	TotalRequests    int
	Error            string
}

// Recorder writes session events to a ledger database.
type Recorder struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens the database at path, creates the schema and returns a
// Recorder that owns the connection.
func Open(path string) (*Recorder, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema at %s: %w", path, err)
	}
	return &Recorder{db: db}, nil
}

// DB returns the underlying connection.
func (r *Recorder) DB() *sql.DB { return r.db }

// Close closes the database.
func (r *Recorder) Close() error { return r.db.Close() }

// Record stores ev. Streamed text deltas are skipped; the assembled text
// arrives in assistant_text_end. session_start and session_end also
// maintain the run's summary row.
func (r *Recorder) Record(ev agentloop.SessionEvent) error {
	if ev.Kind == agentloop.EventAssistantTextDelta {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(tx, ev); err != nil {
		return err
	}

	switch ev.Kind {
	case agentloop.EventSessionStart:
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO runs (session_id, model, working_dir, started_at) VALUES (?, ?, ?, ?)`,
			ev.SessionID, ev.String("model"), ev.String("working_dir"), ev.Timestamp.UnixMilli(),
		)
	case agentloop.EventSessionEnd:
		_, err = tx.Exec(
			`UPDATE runs SET finished_at = ?, status = ?, turns = ?, prompt_tokens = ?,
				completion_tokens = ?, total_requests = ?, error = ?
			WHERE session_id = ?`,
			ev.Timestamp.UnixMilli(), ev.String("status"), ev.Int("turns"), ev.Int("prompt_tokens"),
			ev.Int("completion_tokens"), ev.Int("total_requests"), nullString(ev.String("error")),
			ev.SessionID,
		)
	}
	if err != nil {
		return fmt.Errorf("update run %s: %w", ev.SessionID, err)
	}

	return tx.Commit()
}

// Handler adapts Record to a session event handler. Write failures are
// passed to onError, which may be nil.
func (r *Recorder) Handler(onError func(error)) agentloop.EventHandler {
	return func(ev agentloop.SessionEvent) {
		if err := r.Record(ev); err != nil && onError != nil {
			onError(err)
		}
	}
}

func insertEvent(tx *sql.Tx, ev agentloop.SessionEvent) error {
	var payload any
	if ev.Data != nil {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(data)
	}
	if _, err := tx.Exec(
		`INSERT INTO events (session_id, timestamp, kind, payload) VALUES (?, ?, ?, ?)`,
		ev.SessionID, ev.Timestamp.UnixMilli(), string(ev.Kind), payload,
	); err != nil {
		return fmt.Errorf("insert event %s: %w", ev.Kind, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SessionEvents returns the stored events of a session in emission order.
func SessionEvents(db *sql.DB, sessionID string) ([]Entry, error) {
	rows, err := db.Query(
		`SELECT id, session_id, timestamp, kind, payload FROM events WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			kind    string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &ts, &kind, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Kind = agentloop.EventKind(kind)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of event %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetRun returns the summary row of a session, or nil if none exists.
func GetRun(db *sql.DB, sessionID string) (*Run, error) {
	var (
		run      Run
		started  int64
		finished sql.NullInt64
		errText  sql.NullString
	)
	err := db.QueryRow(
		`SELECT session_id, model, working_dir, started_at, finished_at, status, turns,
			prompt_tokens, completion_tokens, total_requests, error
		FROM runs WHERE session_id = ?`,
		sessionID,
	).Scan(&run.SessionID, &run.Model, &run.WorkingDir, &started, &finished, &run.Status, &run.Turns,
		&run.PromptTokens, &run.CompletionTokens, &run.TotalRequests, &errText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		run.FinishedAt = &t
	}
	run.Error = errText.String
	return &run, nil
}
