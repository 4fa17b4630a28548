// Package dbtest creates usage log databases for tests and
// fixtures. It owns the only writer in the repository: the
// analytics layer itself opens stores read-only.
package dbtest

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// Schema is the usage log layout written by the ingestion
// pipeline.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    ended_at   TEXT,
    directory  TEXT,
    source     TEXT,
    model      TEXT
);

CREATE TABLE IF NOT EXISTS turns (
    turn_id     TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    ts          TEXT NOT NULL,
    model       TEXT,
    directory   TEXT,
    source      TEXT,
    duration_ms INTEGER
);

CREATE TABLE IF NOT EXISTS events (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    ts                  TEXT NOT NULL,
    session_id          TEXT,
    turn_id             TEXT,
    event_type          TEXT NOT NULL,
    model               TEXT,
    directory           TEXT,
    source              TEXT,
    input_tokens        INTEGER NOT NULL DEFAULT 0,
    cached_input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens       INTEGER NOT NULL DEFAULT 0,
    reasoning_tokens    INTEGER NOT NULL DEFAULT 0,
    total_tokens        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tool_calls (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ts          TEXT NOT NULL,
    session_id  TEXT,
    turn_id     TEXT,
    source      TEXT,
    tool_name   TEXT NOT NULL,
    tool_type   TEXT,
    status      TEXT,
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(event_type, ts);
CREATE INDEX IF NOT EXISTS idx_turns_ts ON turns(ts);
CREATE INDEX IF NOT EXISTS idx_tool_calls_ts ON tool_calls(ts);
CREATE INDEX IF NOT EXISTS idx_tool_calls_turn ON tool_calls(turn_id);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

// Writer inserts fixture rows into a usage log database.
type Writer struct {
	db *sql.DB
}

// Create creates (or opens) the database at path and applies
// Schema.
func Create(path string) (*Writer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	dsn := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(abs),
		RawQuery: "_busy_timeout=5000",
	}
	d, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(Schema); err != nil {
		d.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Writer{db: d}, nil
}

// Close closes the writer.
func (w *Writer) Close() error {
	return w.db.Close()
}

// New creates a database in a temp dir for t and returns the
// writer and the file path. The writer is closed on cleanup.
func New(t testing.TB) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usage.db")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("creating test db: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Session is a sessions row.
type Session struct {
	SessionID string
	StartedAt string
	EndedAt   *string
	Directory string
	Source    string
	Model     string
}

// Turn is a turns row.
type Turn struct {
	TurnID     string
	SessionID  string
	TS         string
	Model      string
	Directory  string
	Source     string
	DurationMs *int64
}

// Event is an events row. EventType defaults to token_count.
type Event struct {
	TS                string
	SessionID         string
	TurnID            string
	EventType         string
	Model             string
	Directory         string
	Source            string
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
	ReasoningTokens   int64
}

// ToolCall is a tool_calls row.
type ToolCall struct {
	TS         string
	SessionID  string
	TurnID     string
	Source     string
	ToolName   string
	ToolType   string
	Status     string
	DurationMs *int64
}

// nullable stores empty strings as NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// exec runs fn inside a transaction.
func (w *Writer) exec(fn func(tx *sql.Tx) error) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

// InsertSessions inserts sessions rows.
func (w *Writer) InsertSessions(rows ...Session) error {
	return w.exec(func(tx *sql.Tx) error {
		for _, s := range rows {
			_, err := tx.Exec(`INSERT INTO sessions
				(session_id, started_at, ended_at,
				 directory, source, model)
				VALUES (?, ?, ?, ?, ?, ?)`,
				s.SessionID, s.StartedAt, s.EndedAt,
				nullable(s.Directory), nullable(s.Source),
				nullable(s.Model),
			)
			if err != nil {
				return fmt.Errorf("inserting session %s: %w",
					s.SessionID, err)
			}
		}
		return nil
	})
}

// InsertTurns inserts turns rows.
func (w *Writer) InsertTurns(rows ...Turn) error {
	return w.exec(func(tx *sql.Tx) error {
		for _, t := range rows {
			_, err := tx.Exec(`INSERT INTO turns
				(turn_id, session_id, ts, model,
				 directory, source, duration_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				t.TurnID, t.SessionID, t.TS, nullable(t.Model),
				nullable(t.Directory), nullable(t.Source),
				t.DurationMs,
			)
			if err != nil {
				return fmt.Errorf("inserting turn %s: %w",
					t.TurnID, err)
			}
		}
		return nil
	})
}

// InsertEvents inserts events rows.
func (w *Writer) InsertEvents(rows ...Event) error {
	return w.exec(func(tx *sql.Tx) error {
		for _, e := range rows {
			kind := e.EventType
			if kind == "" {
				kind = "token_count"
			}
			_, err := tx.Exec(`INSERT INTO events
				(ts, session_id, turn_id, event_type, model,
				 directory, source, input_tokens,
				 cached_input_tokens, output_tokens,
				 reasoning_tokens, total_tokens)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.TS, nullable(e.SessionID), nullable(e.TurnID),
				kind, nullable(e.Model), nullable(e.Directory),
				nullable(e.Source), e.InputTokens,
				e.CachedInputTokens, e.OutputTokens,
				e.ReasoningTokens, e.InputTokens+e.OutputTokens,
			)
			if err != nil {
				return fmt.Errorf("inserting event: %w", err)
			}
		}
		return nil
	})
}

// InsertToolCalls inserts tool_calls rows.
func (w *Writer) InsertToolCalls(rows ...ToolCall) error {
	return w.exec(func(tx *sql.Tx) error {
		for _, c := range rows {
			_, err := tx.Exec(`INSERT INTO tool_calls
				(ts, session_id, turn_id, source, tool_name,
				 tool_type, status, duration_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				c.TS, nullable(c.SessionID), nullable(c.TurnID),
				nullable(c.Source), c.ToolName,
				nullable(c.ToolType), nullable(c.Status),
				c.DurationMs,
			)
			if err != nil {
				return fmt.Errorf("inserting tool call %s: %w",
					c.ToolName, err)
			}
		}
		return nil
	})
}

// MustInsert fails t if err is non-nil. It lets tests seed in
// one line: dbtest.MustInsert(t, w.InsertEvents(evs...)).
func MustInsert(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("seeding test db: %v", err)
	}
}
