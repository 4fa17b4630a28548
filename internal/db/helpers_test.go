package db

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wesm/usageview/internal/dbtest"
)

// testDB creates a fixture database and opens it read-only.
func testDB(t *testing.T) (*DB, *dbtest.Writer) {
	t.Helper()
	w, path := dbtest.New(t)
	d, err := Open(path)
	require.NoError(t, err, "opening test db")
	t.Cleanup(func() { d.Close() })
	return d, w
}

// ts returns a store timestamp on the given January 2026 day.
func ts(day, hour int) string {
	return fmt.Sprintf("2026-01-%02dT%02d:00:00.000Z", day, hour)
}

// rangeFilter normalizes a from/to pair with optional extra
// params given as key, value pairs.
func rangeFilter(from, to string, kv ...string) Filters {
	q := url.Values{"from": {from}, "to": {to}}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return NormalizeFilters(q, time.Now())
}

// janFilter covers the whole fixture month.
func janFilter(kv ...string) Filters {
	return rangeFilter("2026-01-01", "2026-01-31", kv...)
}

// seedUsage inserts a small mixed fixture:
//
//	gpt-5.2-codex       /apps/web     cli     1100 tokens
//	gpt-5.2-codex       /apps         cli      550 tokens
//	gpt-5.1-codex-mini  /application  vscode   330 tokens
//	mystery-model       /apps2        cli      110 tokens
//
// plus one non-token event that usage queries must ignore.
func seedUsage(t *testing.T, w *dbtest.Writer) {
	t.Helper()
	dbtest.MustInsert(t, w.InsertEvents(
		dbtest.Event{
			TS: ts(15, 10), SessionID: "s1", TurnID: "t1",
			Model: "gpt-5.2-codex", Directory: "/apps/web",
			Source: "cli", InputTokens: 1000,
			CachedInputTokens: 200, OutputTokens: 100,
		},
		dbtest.Event{
			TS: ts(15, 11), SessionID: "s1", TurnID: "t2",
			Model: "gpt-5.2-codex", Directory: "/apps",
			Source: "cli", InputTokens: 500, OutputTokens: 50,
		},
		dbtest.Event{
			TS: ts(15, 12), SessionID: "s2", TurnID: "t3",
			Model: "gpt-5.1-codex-mini", Directory: "/application",
			Source: "vscode", InputTokens: 300, OutputTokens: 30,
		},
		dbtest.Event{
			TS: ts(16, 9), SessionID: "s3", TurnID: "t4",
			Model: "mystery-model", Directory: "/apps2",
			Source: "cli", InputTokens: 100, OutputTokens: 10,
		},
		dbtest.Event{
			TS: ts(16, 10), SessionID: "s3",
			EventType: "session_start", Model: "gpt-5.2-codex",
			Directory: "/apps", Source: "cli", InputTokens: 9999,
		},
	))
	dbtest.MustInsert(t, w.InsertSessions(
		dbtest.Session{
			SessionID: "s1", StartedAt: ts(15, 9),
			Directory: "/apps", Source: "cli",
			Model: "gpt-5.2-codex",
		},
		dbtest.Session{
			SessionID: "s2", StartedAt: ts(15, 12),
			Directory: "/application", Source: "vscode",
			Model: "gpt-5.1-codex-mini",
		},
		dbtest.Session{
			SessionID: "s3", StartedAt: ts(16, 9),
			Directory: "/apps2", Source: "cli",
			Model: "mystery-model",
		},
	))
	dbtest.MustInsert(t, w.InsertTurns(
		dbtest.Turn{
			TurnID: "t1", SessionID: "s1", TS: ts(15, 10),
			Model: "gpt-5.2-codex", Directory: "/apps/web",
			Source: "cli", DurationMs: dbtest.Ptr[int64](1200),
		},
		dbtest.Turn{
			TurnID: "t2", SessionID: "s1", TS: ts(15, 11),
			Model: "gpt-5.2-codex", Directory: "/apps",
			Source: "cli", DurationMs: dbtest.Ptr[int64](800),
		},
		dbtest.Turn{
			TurnID: "t3", SessionID: "s2", TS: ts(15, 12),
			Model: "gpt-5.1-codex-mini", Directory: "/application",
			Source: "vscode", DurationMs: dbtest.Ptr[int64](400),
		},
		dbtest.Turn{
			TurnID: "t4", SessionID: "s3", TS: ts(16, 9),
			Model: "mystery-model", Directory: "/apps2",
			Source: "cli",
		},
	))
	dbtest.MustInsert(t, w.InsertToolCalls(
		dbtest.ToolCall{
			TS: ts(15, 10), SessionID: "s1", TurnID: "t1",
			Source: "cli", ToolName: "shell", ToolType: "exec",
			DurationMs: dbtest.Ptr[int64](100),
		},
		dbtest.ToolCall{
			TS: ts(15, 10), SessionID: "s1", TurnID: "t1",
			Source: "cli", ToolName: "shell", ToolType: "exec",
			DurationMs: dbtest.Ptr[int64](300),
		},
		dbtest.ToolCall{
			TS: ts(15, 11), SessionID: "s1", TurnID: "t2",
			Source: "cli", ToolName: "apply_patch", ToolType: "edit",
			DurationMs: dbtest.Ptr[int64](50),
		},
		dbtest.ToolCall{
			TS: ts(15, 12), SessionID: "s2", TurnID: "t3",
			Source: "vscode", ToolName: "read_file", ToolType: "read",
			DurationMs: dbtest.Ptr[int64](20),
		},
	))
}

// scalar runs a single-value query on the reader.
func scalar(t *testing.T, d *DB, query string, args ...any) float64 {
	t.Helper()
	var v float64
	err := d.reader.QueryRowContext(
		context.Background(), query, args...,
	).Scan(&v)
	require.NoError(t, err, "scalar query")
	return v
}
