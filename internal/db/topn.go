package db

import (
	"context"
	"fmt"
)

// OtherLabel names the synthetic row that folds every label
// outside the top N.
const OtherLabel = "Other"

// FactSource is the FROM clause and predicate a grouped query
// runs over. From must come from code, never from input.
type FactSource struct {
	From  string
	Where Predicate
}

// CategoricalRow is one label and its aggregated metric.
type CategoricalRow struct {
	Label  string  `json:"label"`
	Metric float64 `json:"value"`
}

// TopNResult holds the top rows by metric and, when labels
// were left out, their folded total.
type TopNResult struct {
	Top   []CategoricalRow `json:"rows"`
	Other *CategoricalRow  `json:"other"`
}

// Total returns the metric summed over Top and Other.
func (r TopNResult) Total() float64 {
	var sum float64
	for _, row := range r.Top {
		sum += row.Metric
	}
	if r.Other != nil {
		sum += r.Other.Metric
	}
	return sum
}

// Labels returns the labels of the top rows in order.
func (r TopNResult) Labels() []string {
	out := make([]string, len(r.Top))
	for i, row := range r.Top {
		out[i] = row.Label
	}
	return out
}

// labelOf wraps a label expression so NULL labels group as ""
// and are not dropped by NOT IN.
func labelOf(expr string) string {
	return "COALESCE(" + expr + ", '')"
}

// TopNWithOther groups src by labelExpr and returns the topN
// labels by metricExpr, plus an Other row summing the rest.
// Other is nil when nothing was excluded or the excluded sum is
// zero. Ties at the cutoff are broken by SQLite's ordering.
func (db *DB) TopNWithOther(
	ctx context.Context, src FactSource,
	labelExpr, metricExpr string, topN int,
) (TopNResult, error) {
	topN = clampTopN(topN)
	label := labelOf(labelExpr)

	query := `SELECT ` + label + `, COALESCE(SUM(` + metricExpr + `), 0)
		FROM ` + src.From + ` ` + src.Where.SQL + `
		GROUP BY 1 ORDER BY 2 DESC LIMIT ?`
	args := append(append([]any{}, src.Where.Args...), topN)

	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return TopNResult{},
			fmt.Errorf("querying top-n labels: %w", err)
	}
	defer rows.Close()

	res := TopNResult{Top: []CategoricalRow{}}
	for rows.Next() {
		var r CategoricalRow
		if err := rows.Scan(&r.Label, &r.Metric); err != nil {
			return TopNResult{},
				fmt.Errorf("scanning top-n row: %w", err)
		}
		res.Top = append(res.Top, r)
	}
	if err := rows.Err(); err != nil {
		return TopNResult{},
			fmt.Errorf("iterating top-n rows: %w", err)
	}
	if len(res.Top) == 0 {
		return res, nil
	}

	ph, labelArgs := inPlaceholders(res.Labels())
	rest := src.Where.and(label+" NOT IN "+ph, labelArgs...)
	var other float64
	err = db.reader.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(`+metricExpr+`), 0)
		FROM `+src.From+` `+rest.SQL,
		rest.Args...,
	).Scan(&other)
	if err != nil {
		return TopNResult{},
			fmt.Errorf("querying other total: %w", err)
	}
	if other != 0 {
		res.Other = &CategoricalRow{Label: OtherLabel, Metric: other}
	}
	return res, nil
}
