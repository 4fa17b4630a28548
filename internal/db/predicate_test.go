package db

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/usageview/internal/dbtest"
)

func requirePlaceholders(t *testing.T, p Predicate) {
	t.Helper()
	require.Equal(t, len(p.Args), strings.Count(p.SQL, "?"),
		"placeholders vs args in %q", p.SQL)
}

func TestBuildWhereTimeOnly(t *testing.T) {
	f := janFilter()
	p := BuildWhere(f, EventColumns)

	assert.Equal(t, "WHERE e.ts >= ? AND e.ts <= ?", p.SQL)
	assert.Equal(t, []any{
		"2026-01-01T00:00:00.000Z", "2026-01-31T23:59:59.999Z",
	}, p.Args)
	requirePlaceholders(t, p)
}

func TestBuildWherePlaceholderCount(t *testing.T) {
	tests := []struct {
		name string
		kv   []string
		cols Columns
	}{
		{"Models", []string{"models", "a,b,c"}, EventColumns},
		{"Dirs", []string{"dirs", "/apps,/srv,/"}, TurnColumns},
		{"Sources", []string{"source", "cli"}, SessionColumns},
		{"All", []string{
			"models", "a", "dirs", "/x/y%z_", "source", "cli,vscode",
		}, EventColumns},
		{"ToolColumnsIgnoreModelAndDir", []string{
			"models", "a", "dirs", "/apps", "source", "cli",
		}, ToolColumns},
		{"ValuesWithQuestionMarks", []string{
			"models", "what?,why?", "dirs", "/tmp/?",
		}, EventColumns},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := BuildWhere(janFilter(tt.kv...), tt.cols)
			assert.True(t, strings.HasPrefix(p.SQL, "WHERE "))
			requirePlaceholders(t, p)
			requirePlaceholders(t, p.WithEventType("token_count"))
		})
	}
}

func TestBuildWhereNeverInlinesValues(t *testing.T) {
	evil := "x'); DROP TABLE events; --"
	f := janFilter("models", evil, "dirs", evil, "source", evil)
	p := BuildWhere(f, EventColumns)

	assert.NotContains(t, p.SQL, "DROP")
	assert.Contains(t, p.Args, evil)
	requirePlaceholders(t, p)
}

func TestBuildWhereClauses(t *testing.T) {
	f := janFilter("models", "a,b", "dirs", "/apps/,/srv", "source", "cli")
	p := BuildWhere(f, EventColumns)

	assert.Equal(t,
		"WHERE e.ts >= ? AND e.ts <= ?"+
			" AND e.model IN (?,?)"+
			" AND ((e.directory = ? OR (e.directory >= ? AND e.directory < ?))"+
			" OR (e.directory = ? OR (e.directory >= ? AND e.directory < ?)))"+
			" AND e.source IN (?)",
		p.SQL,
	)
	assert.Equal(t, []any{
		"2026-01-01T00:00:00.000Z", "2026-01-31T23:59:59.999Z",
		"a", "b",
		"/apps", "/apps/", "/apps0", "/srv", "/srv/", "/srv0",
		"cli",
	}, p.Args)
}

func TestDirPrefixClause(t *testing.T) {
	tests := []struct {
		name     string
		dirs     []string
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "Root",
			dirs:     []string{"///"},
			wantSQL:  "((d >= ? AND d < ?))",
			wantArgs: []any{"/", "0"},
		},
		{
			name:     "WildcardsAreLiteral",
			dirs:     []string{`/a_b%c\d`},
			wantSQL:  "((d = ? OR (d >= ? AND d < ?)))",
			wantArgs: []any{`/a_b%c\d`, `/a_b%c\d/`, `/a_b%c\d0`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := dirPrefixClause("d", tt.dirs)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestWithEventType(t *testing.T) {
	p := BuildWhere(janFilter(), EventColumns)
	q := p.WithEventType("token_count")

	assert.Equal(t, p.SQL+" AND event_type = ?", q.SQL)
	assert.Equal(t, "token_count", q.Args[len(q.Args)-1])
	assert.Len(t, p.Args, 2, "original predicate must not change")

	empty := Predicate{}.WithEventType("x")
	assert.Equal(t, "WHERE event_type = ?", empty.SQL)
	requirePlaceholders(t, empty)
}

func TestBuildToolJoin(t *testing.T) {
	t.Run("NoJoinWithoutModelOrDir", func(t *testing.T) {
		src := BuildToolJoin(janFilter("source", "cli"))
		assert.Equal(t, "tool_calls tc", src.From)
		assert.Contains(t, src.Where.SQL, "tc.source IN (?)")
		requirePlaceholders(t, src.Where)
	})
	t.Run("JoinForModel", func(t *testing.T) {
		src := BuildToolJoin(janFilter("models", "gpt-5.2-codex"))
		assert.Contains(t, src.From, "JOIN turns t")
		assert.Contains(t, src.Where.SQL, "t.model IN (?)")
		requirePlaceholders(t, src.Where)
	})
	t.Run("JoinForDir", func(t *testing.T) {
		src := BuildToolJoin(janFilter("dirs", "/apps"))
		assert.Contains(t, src.From, "JOIN turns t")
		assert.Contains(t, src.Where.SQL, "t.directory = ?")
		assert.Contains(t, src.Where.SQL, "tc.ts >= ?")
	})
}

func TestDirectoryPrefixMatching(t *testing.T) {
	d, w := testDB(t)
	for _, dir := range []string{
		"/apps", "/apps/web", "/apps/web/src",
		"/application", "/apps2", "/other",
		"/Apps/x", "/a_b/c", "/axb/c",
	} {
		dbtest.MustInsert(t, w.InsertEvents(dbtest.Event{
			TS: ts(10, 0), Model: "m", Directory: dir,
			InputTokens: 1,
		}))
	}

	tests := []struct {
		dirs string
		want []string
	}{
		{"/apps", []string{"/apps", "/apps/web", "/apps/web/src"}},
		{"/apps/", []string{"/apps", "/apps/web", "/apps/web/src"}},
		{"/apps/web", []string{"/apps/web", "/apps/web/src"}},
		{"/apps2,/other", []string{"/apps2", "/other"}},
		{"/app", nil},
		{"/APPS", nil},
		{"/Apps", []string{"/Apps/x"}},
		{"/a_b", []string{"/a_b/c"}},
		{"/", []string{
			"/Apps/x", "/a_b/c", "/application", "/apps",
			"/apps/web", "/apps/web/src", "/apps2", "/axb/c",
			"/other",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.dirs, func(t *testing.T) {
			p := BuildWhere(janFilter("dirs", tt.dirs), EventColumns)
			rows, err := d.reader.QueryContext(context.Background(),
				`SELECT e.directory FROM events e `+p.SQL+
					` ORDER BY 1`, p.Args...)
			require.NoError(t, err)
			defer rows.Close()
			var got []string
			for rows.Next() {
				var s string
				require.NoError(t, rows.Scan(&s))
				got = append(got, s)
			}
			require.NoError(t, rows.Err())
			assert.Equal(t, tt.want, got)
		})
	}
}
