// Package pricing resolves model names to token prices and
// estimates the cost of token usage.
package pricing

import (
	"regexp"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// DefaultPerUnit is the token count rates are quoted per.
const DefaultPerUnit = 1_000_000

// Rate is the price of one PerUnit block of tokens.
type Rate struct {
	Input       float64 `json:"input"`
	CachedInput float64 `json:"cached_input"`
	Output      float64 `json:"output"`
}

// Table is a price list. Treat it as immutable: Merge returns
// a new table rather than editing the receiver.
type Table struct {
	PerUnit  float64         `json:"per_unit"`
	Currency string          `json:"currency"`
	Models   map[string]Rate `json:"models"`
}

// Default returns the built-in price list.
func Default() Table {
	return Table{
		PerUnit:  DefaultPerUnit,
		Currency: "USD",
		Models: map[string]Rate{
			"gpt-5.2-codex":      {Input: 1.75, CachedInput: 0.175, Output: 14},
			"gpt-5.2":            {Input: 1.75, CachedInput: 0.175, Output: 14},
			"gpt-5.1-codex-max":  {Input: 1.25, CachedInput: 0.125, Output: 10},
			"gpt-5.1-codex":      {Input: 1.25, CachedInput: 0.125, Output: 10},
			"gpt-5.1-codex-mini": {Input: 0.25, CachedInput: 0.025, Output: 2},
			"gpt-5.1":            {Input: 1.25, CachedInput: 0.125, Output: 10},
			"gpt-5-codex":        {Input: 1.25, CachedInput: 0.125, Output: 10},
			"gpt-5":              {Input: 1.25, CachedInput: 0.125, Output: 10},
			"gpt-5-mini":         {Input: 0.25, CachedInput: 0.025, Output: 2},
		},
	}
}

// aliases maps model names without their own price entry to a
// priced equivalent.
var aliases = map[string]string{
	"gpt-5.2-codex-max":  "gpt-5.1-codex-max",
	"gpt-5.2-codex-mini": "gpt-5.1-codex-mini",
	"gpt-5-codex-mini":   "gpt-5.1-codex-mini",
	"codex-mini-latest":  "gpt-5.1-codex-mini",
	"gpt-5.1-chat":       "gpt-5.1",
	"gpt-5-chat-latest":  "gpt-5",
}

var (
	statusSuffix = regexp.MustCompile(`\s*\([^()]*\)\s*$`)
	dateSuffix   = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)
)

// candidates lists the names tried for model, in order:
// as given, trimmed, without a trailing "(status)", and without
// a trailing -YYYY-MM-DD.
func candidates(model string) []string {
	out := []string{model}
	add := func(s string) {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	s := strings.TrimSpace(model)
	add(s)
	s = strings.TrimSpace(statusSuffix.ReplaceAllString(s, ""))
	add(s)
	s = dateSuffix.ReplaceAllString(s, "")
	add(s)
	return out
}

// Resolve finds the price entry for model. It returns the
// matched table key, its rate, and false when model cannot be
// priced.
func (t Table) Resolve(model string) (string, Rate, bool) {
	names := candidates(model)
	for _, name := range names {
		if r, ok := t.Models[name]; ok {
			return name, r, true
		}
	}
	for _, name := range names {
		target, ok := aliases[name]
		if !ok {
			continue
		}
		if r, ok := t.Models[target]; ok {
			return target, r, true
		}
	}
	return "", Rate{}, false
}

// Usage is the token usage of one model.
type Usage struct {
	Model             string
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
}

// Tokens returns the tokens counted toward price coverage.
// Cached input is a subset of input and not added again.
func (u Usage) Tokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (t Table) perUnit() decimal.Decimal {
	if t.PerUnit <= 0 {
		return decimal.NewFromInt(DefaultPerUnit)
	}
	return decimal.NewFromFloat(t.PerUnit)
}

// cost prices u at r. Cached tokens are billed only at the
// cached rate.
func (t Table) cost(u Usage, r Rate) decimal.Decimal {
	uncached := max(u.InputTokens-u.CachedInputTokens, 0)
	sum := decimal.NewFromInt(uncached).
		Mul(decimal.NewFromFloat(r.Input)).
		Add(decimal.NewFromInt(u.CachedInputTokens).
			Mul(decimal.NewFromFloat(r.CachedInput))).
		Add(decimal.NewFromInt(u.OutputTokens).
			Mul(decimal.NewFromFloat(r.Output)))
	return sum.Div(t.perUnit())
}

// Estimate returns the cost of u, or nil when its model has no
// price. Nil means unpriced, not free.
func (t Table) Estimate(u Usage) *float64 {
	_, r, ok := t.Resolve(u.Model)
	if !ok {
		return nil
	}
	v := t.cost(u, r).InexactFloat64()
	return &v
}

// Merge returns a table with o's entries layered over t's.
// Zero-valued scalar fields in o keep t's values.
func (t Table) Merge(o Table) Table {
	out := Table{
		PerUnit:  t.PerUnit,
		Currency: t.Currency,
		Models:   make(map[string]Rate, len(t.Models)+len(o.Models)),
	}
	if o.PerUnit > 0 {
		out.PerUnit = o.PerUnit
	}
	if o.Currency != "" {
		out.Currency = o.Currency
	}
	for k, v := range t.Models {
		out.Models[k] = v
	}
	for k, v := range o.Models {
		out.Models[k] = v
	}
	return out
}

// FromJSON reads a table from a settings object of the form
// {"per_unit": N, "currency": "...", "models": {name: rate}}.
// Missing or malformed fields are left zero.
func FromJSON(r gjson.Result) Table {
	t := Table{
		PerUnit:  r.Get("per_unit").Float(),
		Currency: r.Get("currency").String(),
		Models:   make(map[string]Rate),
	}
	r.Get("models").ForEach(func(k, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		t.Models[k.String()] = Rate{
			Input:       v.Get("input").Float(),
			CachedInput: v.Get("cached_input").Float(),
			Output:      v.Get("output").Float(),
		}
		return true
	})
	return t
}
