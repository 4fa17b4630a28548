package db

import (
	"context"
	"fmt"
)

// MatrixAxis describes one axis of a cross tab. When Pinned is
// non-empty the caller has already restricted the facts to
// those labels, so discovery is skipped and no Other is added.
type MatrixAxis struct {
	Expr   string
	Pinned []string
}

// MatrixResult is a 2-D cross tab. Cells[i][j] holds the metric
// for Rows[i] x Cols[j]; a trailing "Other" label on either axis
// folds everything outside the top labels.
type MatrixResult struct {
	Rows  []string    `json:"rows"`
	Cols  []string    `json:"cols"`
	Cells [][]float64 `json:"cells"`
}

// Total returns the sum of all cells.
func (m MatrixResult) Total() float64 {
	var sum float64
	for _, row := range m.Cells {
		for _, v := range row {
			sum += v
		}
	}
	return sum
}

// axisLabels resolves the labels of one axis and whether it
// carries an Other slot.
func (db *DB) axisLabels(
	ctx context.Context, src FactSource, axis MatrixAxis,
	metricExpr string, topN int,
) ([]string, bool, error) {
	if len(axis.Pinned) > 0 {
		return axis.Pinned, false, nil
	}
	res, err := db.TopNWithOther(
		ctx, src, axis.Expr, metricExpr, topN,
	)
	if err != nil {
		return nil, false, err
	}
	return res.Labels(), res.Other != nil, nil
}

// Matrix builds a cross tab of src with rows grouped by
// rowAxis and columns by colAxis. Each non-pinned axis keeps its
// own top N; the remaining facts land in the Other row, the
// Other column, or the Other x Other corner, so the cells always
// sum to the metric total under src.Where.
func (db *DB) Matrix(
	ctx context.Context, src FactSource,
	rowAxis, colAxis MatrixAxis,
	metricExpr string, topN int,
) (MatrixResult, error) {
	rowTop, rowOther, err := db.axisLabels(
		ctx, src, rowAxis, metricExpr, topN,
	)
	if err != nil {
		return MatrixResult{}, fmt.Errorf("matrix rows: %w", err)
	}
	colTop, colOther, err := db.axisLabels(
		ctx, src, colAxis, metricExpr, topN,
	)
	if err != nil {
		return MatrixResult{}, fmt.Errorf("matrix cols: %w", err)
	}

	m := MatrixResult{
		Rows: append([]string{}, rowTop...),
		Cols: append([]string{}, colTop...),
	}
	if rowOther {
		m.Rows = append(m.Rows, OtherLabel)
	}
	if colOther {
		m.Cols = append(m.Cols, OtherLabel)
	}
	m.Cells = make([][]float64, len(m.Rows))
	for i := range m.Cells {
		m.Cells[i] = make([]float64, len(m.Cols))
	}
	if len(m.Rows) == 0 || len(m.Cols) == 0 {
		return m, nil
	}

	rowIdx := indexOf(rowTop)
	colIdx := indexOf(colTop)
	rowLabel := labelOf(rowAxis.Expr)
	colLabel := labelOf(colAxis.Expr)
	otherRow := len(rowTop)
	otherCol := len(colTop)

	rowIn, rowArgs := inPlaceholders(rowTop)
	colIn, colArgs := inPlaceholders(colTop)

	if len(rowTop) > 0 && len(colTop) > 0 {
		where := src.Where.
			and(rowLabel+" IN "+rowIn, rowArgs...).
			and(colLabel+" IN "+colIn, colArgs...)
		err := db.queryCells(ctx, src.From, rowLabel, colLabel,
			metricExpr, where,
			func(r, c string, v float64) {
				ri, okR := rowIdx[r]
				ci, okC := colIdx[c]
				if okR && okC {
					m.Cells[ri][ci] += v
				}
			})
		if err != nil {
			return MatrixResult{}, err
		}
	}

	if rowOther && len(colTop) > 0 {
		where := src.Where.
			and(rowLabel+" NOT IN "+rowIn, rowArgs...).
			and(colLabel+" IN "+colIn, colArgs...)
		err := db.queryCells(ctx, src.From, "''", colLabel,
			metricExpr, where,
			func(_, c string, v float64) {
				if ci, ok := colIdx[c]; ok {
					m.Cells[otherRow][ci] += v
				}
			})
		if err != nil {
			return MatrixResult{}, err
		}
	}

	if colOther && len(rowTop) > 0 {
		where := src.Where.
			and(rowLabel+" IN "+rowIn, rowArgs...).
			and(colLabel+" NOT IN "+colIn, colArgs...)
		err := db.queryCells(ctx, src.From, rowLabel, "''",
			metricExpr, where,
			func(r, _ string, v float64) {
				if ri, ok := rowIdx[r]; ok {
					m.Cells[ri][otherCol] += v
				}
			})
		if err != nil {
			return MatrixResult{}, err
		}
	}

	if rowOther && colOther {
		where := src.Where.
			and(rowLabel+" NOT IN "+rowIn, rowArgs...).
			and(colLabel+" NOT IN "+colIn, colArgs...)
		var v float64
		err := db.reader.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(`+metricExpr+`), 0)
			FROM `+src.From+` `+where.SQL,
			where.Args...,
		).Scan(&v)
		if err != nil {
			return MatrixResult{},
				fmt.Errorf("querying matrix corner: %w", err)
		}
		m.Cells[otherRow][otherCol] = v
	}

	return m, nil
}

// queryCells runs a (row, col) grouped sum and hands each
// result to fn.
func (db *DB) queryCells(
	ctx context.Context, from, rowLabel, colLabel,
	metricExpr string, where Predicate,
	fn func(row, col string, v float64),
) error {
	query := `SELECT ` + rowLabel + `, ` + colLabel + `,
		COALESCE(SUM(` + metricExpr + `), 0)
		FROM ` + from + ` ` + where.SQL + `
		GROUP BY 1, 2`
	rows, err := db.reader.QueryContext(ctx, query, where.Args...)
	if err != nil {
		return fmt.Errorf("querying matrix cells: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r, c string
		var v float64
		if err := rows.Scan(&r, &c, &v); err != nil {
			return fmt.Errorf("scanning matrix cell: %w", err)
		}
		fn(r, c, v)
	}
	return rows.Err()
}

func indexOf(labels []string) map[string]int {
	m := make(map[string]int, len(labels))
	for i, l := range labels {
		m[l] = i
	}
	return m
}
