package db

import (
	"strings"
)

// Columns maps the filterable dimensions of a fact table to SQL
// column expressions. Fields are unexported so only the presets
// below exist; request input can never name a column.
type Columns struct {
	time      string
	model     string
	directory string
	source    string
}

// Column presets for each fact table. Queries must alias the
// tables as e, t, s and tc respectively.
var (
	EventColumns = Columns{
		time: "e.ts", model: "e.model",
		directory: "e.directory", source: "e.source",
	}
	TurnColumns = Columns{
		time: "t.ts", model: "t.model",
		directory: "t.directory", source: "t.source",
	}
	SessionColumns = Columns{
		time: "s.started_at", model: "s.model",
		directory: "s.directory", source: "s.source",
	}
	// ToolColumns has no model or directory: tool_calls rows
	// only carry them through their turn.
	ToolColumns = Columns{
		time: "tc.ts", source: "tc.source",
	}
	JoinedToolColumns = Columns{
		time: "tc.ts", model: "t.model",
		directory: "t.directory", source: "tc.source",
	}
)

// Predicate is a parameterized SQL filter. SQL is empty or
// starts with WHERE and holds exactly len(Args) placeholders.
type Predicate struct {
	SQL  string
	Args []any
}

// and returns a copy of p with clause AND-ed on. clause must
// be built from constants and placeholders only.
func (p Predicate) and(clause string, args ...any) Predicate {
	out := Predicate{
		Args: make([]any, 0, len(p.Args)+len(args)),
	}
	out.Args = append(out.Args, p.Args...)
	out.Args = append(out.Args, args...)
	if p.SQL == "" {
		out.SQL = "WHERE " + clause
	} else {
		out.SQL = p.SQL + " AND " + clause
	}
	return out
}

// WithEventType restricts p to one event kind.
func (p Predicate) WithEventType(kind string) Predicate {
	return p.and("event_type = ?", kind)
}

// BuildWhere returns the predicate for f over the columns in
// cols. The time range is always bounded; model, directory and
// source filters apply when both the filter and the column
// are present.
func BuildWhere(f Filters, cols Columns) Predicate {
	preds := []string{
		cols.time + " >= ?",
		cols.time + " <= ?",
	}
	args := []any{FormatTime(f.From), FormatTime(f.To)}

	if cols.model != "" && len(f.Models) > 0 {
		ph, a := inPlaceholders(f.Models)
		preds = append(preds, cols.model+" IN "+ph)
		args = append(args, a...)
	}
	if cols.directory != "" && len(f.Dirs) > 0 {
		clause, a := dirPrefixClause(cols.directory, f.Dirs)
		preds = append(preds, clause)
		args = append(args, a...)
	}
	if cols.source != "" && len(f.Sources) > 0 {
		ph, a := inPlaceholders(f.Sources)
		preds = append(preds, cols.source+" IN "+ph)
		args = append(args, a...)
	}

	return Predicate{
		SQL:  "WHERE " + strings.Join(preds, " AND "),
		Args: args,
	}
}

// BuildToolJoin returns the fact source for tool call queries.
// The turns join is only added when a model or directory filter
// needs it.
func BuildToolJoin(f Filters) FactSource {
	if f.HasModelOrDir() {
		return FactSource{
			From: "tool_calls tc JOIN turns t" +
				" ON t.turn_id = tc.turn_id",
			Where: BuildWhere(f, JoinedToolColumns),
		}
	}
	return FactSource{
		From:  "tool_calls tc",
		Where: BuildWhere(f, ToolColumns),
	}
}

// dirPrefixClause matches each directory and everything below
// it. A match must end at a path separator, so /apps selects
// /apps/web but not /apps2. Descendants are the byte range
// [d+"/", d+"0"): '0' sorts right after '/'.
func dirPrefixClause(col string, dirs []string) (string, []any) {
	parts := make([]string, 0, len(dirs))
	args := make([]any, 0, 3*len(dirs))
	for _, dir := range dirs {
		d := trimDir(dir)
		if d == "/" {
			parts = append(parts, "("+col+" >= ? AND "+col+" < ?)")
			args = append(args, "/", "0")
			continue
		}
		parts = append(parts,
			"("+col+" = ? OR ("+col+" >= ? AND "+col+" < ?))")
		args = append(args, d, d+"/", d+"0")
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// trimDir drops trailing separators, keeping a bare root.
func trimDir(dir string) string {
	d := strings.TrimRight(dir, "/")
	if d == "" && strings.HasPrefix(dir, "/") {
		return "/"
	}
	return d
}

// inPlaceholders returns a "(?,?,...)" string and []any args
// for a slice of values.
func inPlaceholders(vals []string) (string, []any) {
	ph := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = "?"
		args[i] = v
	}
	return "(" + strings.Join(ph, ",") + ")", args
}
