package db

import (
	"context"
	"fmt"

	"github.com/wesm/usageview/internal/pricing"
)

// EventTokenCount is the event kind carrying token usage.
const EventTokenCount = "token_count"

// tokensExpr is the per-event token metric. Cached input is a
// subset of input and is not added again.
const tokensExpr = "COALESCE(e.input_tokens, 0) + COALESCE(e.output_tokens, 0)"

// usageSource returns the token-count events under f.
func usageSource(f Filters) FactSource {
	return FactSource{
		From:  "events e",
		Where: BuildWhere(f, EventColumns).WithEventType(EventTokenCount),
	}
}

// Dimension is a categorical breakdown of token usage.
type Dimension string

const (
	DimModel     Dimension = "model"
	DimDirectory Dimension = "directory"
	DimSource    Dimension = "source"
)

// dimensionExprs is the allow-list of label expressions for
// usage breakdowns.
var dimensionExprs = map[Dimension]string{
	DimModel:     "e.model",
	DimDirectory: "e.directory",
	DimSource:    "e.source",
}

// --- Overview ---

// Overview is the response for the overview endpoint.
type Overview struct {
	Sessions          int64           `json:"sessions"`
	Turns             int64           `json:"turns"`
	ToolCalls         int64           `json:"tool_calls"`
	Events            int64           `json:"events"`
	InputTokens       int64           `json:"input_tokens"`
	CachedInputTokens int64           `json:"cached_input_tokens"`
	OutputTokens      int64           `json:"output_tokens"`
	Cost              pricing.Summary `json:"cost"`
}

// GetOverview returns headline totals under f.
func (db *DB) GetOverview(
	ctx context.Context, f Filters, table pricing.Table,
) (Overview, error) {
	var o Overview

	counts := []struct {
		dst   *int64
		src   FactSource
		label string
	}{
		{&o.Sessions, FactSource{
			From: "sessions s", Where: BuildWhere(f, SessionColumns),
		}, "sessions"},
		{&o.Turns, FactSource{
			From: "turns t", Where: BuildWhere(f, TurnColumns),
		}, "turns"},
		{&o.ToolCalls, BuildToolJoin(f), "tool calls"},
		{&o.Events, FactSource{
			From: "events e", Where: BuildWhere(f, EventColumns),
		}, "events"},
	}
	for _, c := range counts {
		err := db.reader.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+c.src.From+` `+c.src.Where.SQL,
			c.src.Where.Args...,
		).Scan(c.dst)
		if err != nil {
			return Overview{},
				fmt.Errorf("counting %s: %w", c.label, err)
		}
	}

	usage, err := db.modelUsage(ctx, f)
	if err != nil {
		return Overview{}, err
	}
	tally := table.NewTally()
	for _, u := range usage {
		o.InputTokens += u.InputTokens
		o.CachedInputTokens += u.CachedInputTokens
		o.OutputTokens += u.OutputTokens
		tally.Add(u)
	}
	o.Cost = tally.Summary()
	return o, nil
}

// modelUsage sums token columns per model under f, largest
// first.
func (db *DB) modelUsage(
	ctx context.Context, f Filters,
) ([]pricing.Usage, error) {
	src := usageSource(f)
	query := `SELECT ` + labelOf("e.model") + `,
		COALESCE(SUM(e.input_tokens), 0),
		COALESCE(SUM(e.cached_input_tokens), 0),
		COALESCE(SUM(e.output_tokens), 0)
		FROM ` + src.From + ` ` + src.Where.SQL + `
		GROUP BY 1
		ORDER BY SUM(` + tokensExpr + `) DESC, 1`

	rows, err := db.reader.QueryContext(ctx, query, src.Where.Args...)
	if err != nil {
		return nil, fmt.Errorf("querying model usage: %w", err)
	}
	defer rows.Close()

	var out []pricing.Usage
	for rows.Next() {
		var u pricing.Usage
		if err := rows.Scan(
			&u.Model, &u.InputTokens,
			&u.CachedInputTokens, &u.OutputTokens,
		); err != nil {
			return nil, fmt.Errorf("scanning model usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating model usage: %w", err)
	}
	return out, nil
}

// --- Cost ---

// ModelCost is the priced usage of one model. Cost is nil when
// the model has no price entry.
type ModelCost struct {
	Model             string   `json:"model"`
	PricedAs          string   `json:"priced_as,omitempty"`
	InputTokens       int64    `json:"input_tokens"`
	CachedInputTokens int64    `json:"cached_input_tokens"`
	OutputTokens      int64    `json:"output_tokens"`
	Cost              *float64 `json:"cost"`
}

// CostResponse is the response for the cost endpoint.
type CostResponse struct {
	Models  []ModelCost     `json:"models"`
	Summary pricing.Summary `json:"summary"`
}

// GetCost returns per-model estimated cost under f.
func (db *DB) GetCost(
	ctx context.Context, f Filters, table pricing.Table,
) (CostResponse, error) {
	usage, err := db.modelUsage(ctx, f)
	if err != nil {
		return CostResponse{}, err
	}
	tally := table.NewTally()
	models := make([]ModelCost, 0, len(usage))
	for _, u := range usage {
		key, _, _ := table.Resolve(u.Model)
		models = append(models, ModelCost{
			Model:             u.Model,
			PricedAs:          key,
			InputTokens:       u.InputTokens,
			CachedInputTokens: u.CachedInputTokens,
			OutputTokens:      u.OutputTokens,
			Cost:              tally.Add(u),
		})
	}
	return CostResponse{
		Models:  models,
		Summary: tally.Summary(),
	}, nil
}

// --- Time series ---

// SeriesPoint is one time bucket of token usage. Cost is nil
// when no token in the bucket could be priced.
type SeriesPoint struct {
	Bucket            string   `json:"bucket"`
	InputTokens       int64    `json:"input_tokens"`
	CachedInputTokens int64    `json:"cached_input_tokens"`
	OutputTokens      int64    `json:"output_tokens"`
	Cost              *float64 `json:"cost"`
	Coverage          float64  `json:"coverage"`
}

// SeriesResponse wraps the usage time series.
type SeriesResponse struct {
	Bucket    Bucket        `json:"bucket"`
	Series    []SeriesPoint `json:"series"`
	Truncated bool          `json:"truncated"`
}

type bucketUsage struct {
	bucket string
	usage  pricing.Usage
}

// GetUsageSeries returns token usage and cost per time bucket,
// keeping at most MaxBuckets of the most recent buckets.
func (db *DB) GetUsageSeries(
	ctx context.Context, f Filters, table pricing.Table,
) (SeriesResponse, error) {
	src := usageSource(f)
	bucket := BucketExpr(f.ResolvedBucket, "e.ts")
	query := `SELECT ` + bucket + `, ` + labelOf("e.model") + `,
		COALESCE(SUM(e.input_tokens), 0),
		COALESCE(SUM(e.cached_input_tokens), 0),
		COALESCE(SUM(e.output_tokens), 0)
		FROM ` + src.From + ` ` + src.Where.SQL + `
		GROUP BY 1, 2
		ORDER BY 1`

	rows, err := db.reader.QueryContext(ctx, query, src.Where.Args...)
	if err != nil {
		return SeriesResponse{},
			fmt.Errorf("querying usage series: %w", err)
	}
	defer rows.Close()

	var all []bucketUsage
	for rows.Next() {
		var r bucketUsage
		if err := rows.Scan(
			&r.bucket, &r.usage.Model, &r.usage.InputTokens,
			&r.usage.CachedInputTokens, &r.usage.OutputTokens,
		); err != nil {
			return SeriesResponse{},
				fmt.Errorf("scanning usage series row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return SeriesResponse{},
			fmt.Errorf("iterating usage series: %w", err)
	}

	kept := LimitBuckets(all, func(r bucketUsage) string {
		return r.bucket
	})

	resp := SeriesResponse{
		Bucket:    f.ResolvedBucket,
		Series:    []SeriesPoint{},
		Truncated: len(kept) < len(all),
	}
	var (
		cur   *SeriesPoint
		tally *pricing.Tally
	)
	flush := func() {
		if cur == nil {
			return
		}
		s := tally.Summary()
		cur.Coverage = s.Coverage
		if s.PricedTokens > 0 {
			c := s.Cost
			cur.Cost = &c
		}
		resp.Series = append(resp.Series, *cur)
	}
	for _, r := range kept {
		if cur == nil || cur.Bucket != r.bucket {
			flush()
			cur = &SeriesPoint{Bucket: r.bucket}
			tally = table.NewTally()
		}
		cur.InputTokens += r.usage.InputTokens
		cur.CachedInputTokens += r.usage.CachedInputTokens
		cur.OutputTokens += r.usage.OutputTokens
		tally.Add(r.usage)
	}
	flush()
	return resp, nil
}

// --- Breakdowns ---

// GetUsageBreakdown returns the top labels of dim by tokens
// under f, with the rest folded into Other.
func (db *DB) GetUsageBreakdown(
	ctx context.Context, f Filters, dim Dimension,
) (TopNResult, error) {
	expr, ok := dimensionExprs[dim]
	if !ok {
		return TopNResult{},
			fmt.Errorf("unknown usage dimension %q", dim)
	}
	return db.TopNWithOther(
		ctx, usageSource(f), expr, tokensExpr, f.TopN,
	)
}

// GetUsageMatrix returns tokens cross-tabulated by model and
// directory. A model filter pins the row axis. The directory
// axis is always discovered: a directory filter matches whole
// subtrees, so the filter values are not the labels.
func (db *DB) GetUsageMatrix(
	ctx context.Context, f Filters,
) (MatrixResult, error) {
	return db.Matrix(ctx, usageSource(f),
		MatrixAxis{Expr: "e.model", Pinned: f.Models},
		MatrixAxis{Expr: "e.directory"},
		tokensExpr, f.TopN,
	)
}

// --- Tools ---

// GetToolUsage returns the most-called tools under f. toolType,
// when set, restricts to one tool type.
func (db *DB) GetToolUsage(
	ctx context.Context, f Filters, toolType string,
) (TopNResult, error) {
	src := BuildToolJoin(f)
	if toolType != "" {
		src.Where = src.Where.and("tc.tool_type = ?", toolType)
	}
	return db.TopNWithOther(ctx, src, "tc.tool_name", "1", f.TopN)
}

// --- Filter options ---

// FilterOptions lists the distinct values available to the
// model, source and directory filters.
type FilterOptions struct {
	Models      []string `json:"models"`
	Sources     []string `json:"sources"`
	Directories []string `json:"directories"`
}

// GetFilterOptions returns the distinct non-empty labels of
// token events in f's time range. The other filters are ignored
// so a selection never hides its own alternatives.
func (db *DB) GetFilterOptions(
	ctx context.Context, f Filters,
) (FilterOptions, error) {
	where := BuildWhere(Filters{From: f.From, To: f.To}, EventColumns).
		WithEventType(EventTokenCount)

	opts := FilterOptions{}
	lists := []struct {
		dst *[]string
		col string
	}{
		{&opts.Models, "e.model"},
		{&opts.Sources, "e.source"},
		{&opts.Directories, "e.directory"},
	}
	for _, l := range lists {
		vals, err := db.distinct(ctx, l.col, where)
		if err != nil {
			return FilterOptions{}, err
		}
		*l.dst = vals
	}
	return opts, nil
}

func (db *DB) distinct(
	ctx context.Context, col string, where Predicate,
) ([]string, error) {
	p := where.and(col + " IS NOT NULL AND " + col + " != ''")
	rows, err := db.reader.QueryContext(ctx,
		`SELECT DISTINCT `+col+` FROM events e `+p.SQL+` ORDER BY 1`,
		p.Args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying distinct %s: %w", col, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning distinct %s: %w", col, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating distinct %s: %w", col, err)
	}
	return out, nil
}
