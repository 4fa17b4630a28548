package db

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Bucket is a time-series granularity.
type Bucket string

const (
	BucketAuto Bucket = "auto"
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

const (
	// MinTopN and MaxTopN bound every Top-N request.
	MinTopN     = 1
	MaxTopN     = 50
	DefaultTopN = 10

	// DefaultWindow is the range used when from/to are missing
	// or unparsable.
	DefaultWindow = 30 * 24 * time.Hour

	// hourlySpan is the widest range that auto-resolves to
	// hourly buckets.
	hourlySpan = 72 * time.Hour
)

// TimeLayout is the layout of every timestamp in the store.
// Fixed-width with a literal Z so that string comparison and
// chronological order agree.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the store's timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Filters is the canonical, bounded filter set shared by all
// analytics queries. Build it with NormalizeFilters.
type Filters struct {
	From           time.Time
	To             time.Time
	Bucket         Bucket
	ResolvedBucket Bucket
	Models         []string
	Dirs           []string
	Sources        []string
	TopN           int
}

// NormalizeFilters turns raw request parameters into Filters.
// It never fails: malformed values fall back to defaults so a
// stale or hand-edited dashboard URL still renders.
func NormalizeFilters(params url.Values, now time.Time) Filters {
	now = now.UTC()
	to, okTo := parseTimeParam(params.Get("to"), true)
	if !okTo {
		to = now
	}
	from, okFrom := parseTimeParam(params.Get("from"), false)
	if !okFrom {
		from = to.Add(-DefaultWindow)
	}
	if from.After(to) {
		from, to = to, from
	}

	bucket := Bucket(strings.ToLower(
		strings.TrimSpace(params.Get("bucket")),
	))
	switch bucket {
	case BucketAuto, BucketHour, BucketDay:
	default:
		bucket = BucketAuto
	}

	return Filters{
		From:           from,
		To:             to,
		Bucket:         bucket,
		ResolvedBucket: resolveBucket(bucket, from, to),
		Models:         splitList(params.Get("models")),
		Dirs:           splitList(params.Get("dirs")),
		Sources:        splitList(params.Get("source")),
		TopN:           parseTopN(params.Get("topN")),
	}
}

// resolveBucket maps auto to hour for spans up to 72h and to
// day otherwise. Explicit choices pass through.
func resolveBucket(b Bucket, from, to time.Time) Bucket {
	if b != BucketAuto {
		return b
	}
	if to.Sub(from) <= hourlySpan {
		return BucketHour
	}
	return BucketDay
}

// parseTimeParam accepts RFC 3339 (with or without fractional
// seconds) and bare dates. A bare date used as an upper bound
// means the last millisecond of that day.
func parseTimeParam(s string, upper bool) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t, true
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	if upper {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, true
}

// splitList splits a comma-separated list, trimming entries
// and dropping empties and repeats.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := lo.Map(strings.Split(s, ","),
		func(p string, _ int) string {
			return strings.TrimSpace(p)
		})
	out := lo.Uniq(lo.Compact(parts))
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseTopN(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		n = DefaultTopN
	}
	return clampTopN(n)
}

func clampTopN(n int) int {
	return max(MinTopN, min(n, MaxTopN))
}

// HasModelOrDir reports whether a model or directory filter is
// active.
func (f Filters) HasModelOrDir() bool {
	return len(f.Models) > 0 || len(f.Dirs) > 0
}
