package db

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// DurationSample is one timed fact with its grouping label.
type DurationSample struct {
	Label      string
	DurationMs float64
}

// LatencySummary holds the count and nearest-rank percentiles
// of one label's durations.
type LatencySummary struct {
	Label string   `json:"label"`
	Count int      `json:"count"`
	P50   *float64 `json:"p50"`
	P95   *float64 `json:"p95"`
}

// percentileFloat returns the nearest-rank value at pct from a
// pre-sorted slice, using index floor((n-1)*pct). Nil for an
// empty slice.
func percentileFloat(sorted []float64, pct float64) *float64 {
	n := len(sorted)
	if n == 0 {
		return nil
	}
	idx := int(math.Floor(float64(n-1) * pct))
	idx = max(0, min(idx, n-1))
	v := sorted[idx]
	return &v
}

// SummarizeLatency groups samples by label and returns one
// summary per label, most frequent first (ties by label).
func SummarizeLatency(samples []DurationSample) []LatencySummary {
	groups := make(map[string][]float64)
	for _, s := range samples {
		groups[s.Label] = append(groups[s.Label], s.DurationMs)
	}

	out := make([]LatencySummary, 0, len(groups))
	for label, durs := range groups {
		sort.Float64s(durs)
		out = append(out, LatencySummary{
			Label: label,
			Count: len(durs),
			P50:   percentileFloat(durs, 0.50),
			P95:   percentileFloat(durs, 0.95),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// LatencyGroup selects the label tool latency is grouped by.
type LatencyGroup string

const (
	GroupByToolName LatencyGroup = "name"
	GroupByToolType LatencyGroup = "type"
)

// ToolLatency summarizes tool call durations under f, grouped
// by tool name or tool type. toolType, when set, restricts to
// one tool type.
func (db *DB) ToolLatency(
	ctx context.Context, f Filters,
	group LatencyGroup, toolType string,
) ([]LatencySummary, error) {
	src := BuildToolJoin(f)
	if toolType != "" {
		src.Where = src.Where.and("tc.tool_type = ?", toolType)
	}
	labelExpr := "tc.tool_name"
	if group == GroupByToolType {
		labelExpr = "tc.tool_type"
	}
	return db.latencySamples(ctx, src, labelExpr, "tc.duration_ms")
}

// TurnLatency summarizes turn durations under f by model.
func (db *DB) TurnLatency(
	ctx context.Context, f Filters,
) ([]LatencySummary, error) {
	src := FactSource{
		From:  "turns t",
		Where: BuildWhere(f, TurnColumns),
	}
	return db.latencySamples(ctx, src, "t.model", "t.duration_ms")
}

func (db *DB) latencySamples(
	ctx context.Context, src FactSource,
	labelExpr, durationCol string,
) ([]LatencySummary, error) {
	where := src.Where.and(durationCol + " IS NOT NULL")
	query := `SELECT ` + labelOf(labelExpr) + `, ` + durationCol +
		` FROM ` + src.From + ` ` + where.SQL

	rows, err := db.reader.QueryContext(ctx, query, where.Args...)
	if err != nil {
		return nil, fmt.Errorf("querying latency samples: %w", err)
	}
	defer rows.Close()

	var samples []DurationSample
	for rows.Next() {
		var s DurationSample
		if err := rows.Scan(&s.Label, &s.DurationMs); err != nil {
			return nil, fmt.Errorf("scanning latency sample: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating latency samples: %w", err)
	}
	return SummarizeLatency(samples), nil
}
