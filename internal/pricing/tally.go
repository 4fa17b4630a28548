package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Summary is the priced total of a set of usage rows.
type Summary struct {
	Cost         float64  `json:"cost"`
	Currency     string   `json:"currency"`
	PricedTokens int64    `json:"priced_tokens"`
	TotalTokens  int64    `json:"total_tokens"`
	Coverage     float64  `json:"coverage"`
	Unpriced     []string `json:"unpriced_models"`
}

// Tally accumulates cost and price coverage across usage rows.
type Tally struct {
	table    Table
	cost     decimal.Decimal
	priced   int64
	total    int64
	unpriced map[string]int64
}

// NewTally returns an empty Tally priced by t.
func (t Table) NewTally() *Tally {
	return &Tally{
		table:    t,
		unpriced: make(map[string]int64),
	}
}

// Add prices u, adds it to the running totals and returns its
// cost (nil when unpriced).
func (y *Tally) Add(u Usage) *float64 {
	tokens := u.Tokens()
	y.total += tokens
	_, r, ok := y.table.Resolve(u.Model)
	if !ok {
		y.unpriced[u.Model] += tokens
		return nil
	}
	c := y.table.cost(u, r)
	y.cost = y.cost.Add(c)
	y.priced += tokens
	v := c.InexactFloat64()
	return &v
}

// Coverage returns the fraction of tokens that had a price.
// With no tokens at all nothing is unpriced, so it is 1.
func (y *Tally) Coverage() float64 {
	if y.total == 0 {
		return 1
	}
	return float64(y.priced) / float64(y.total)
}

// Summary returns the accumulated totals. Unpriced models are
// listed by descending token count.
func (y *Tally) Summary() Summary {
	unpriced := make([]string, 0, len(y.unpriced))
	for m := range y.unpriced {
		unpriced = append(unpriced, m)
	}
	sort.Slice(unpriced, func(i, j int) bool {
		a, b := y.unpriced[unpriced[i]], y.unpriced[unpriced[j]]
		if a != b {
			return a > b
		}
		return unpriced[i] < unpriced[j]
	})
	return Summary{
		Cost:         y.cost.Round(6).InexactFloat64(),
		Currency:     y.table.Currency,
		PricedTokens: y.priced,
		TotalTokens:  y.total,
		Coverage:     y.Coverage(),
		Unpriced:     unpriced,
	}
}
