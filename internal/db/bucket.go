package db

import (
	"slices"
)

// MaxBuckets caps the number of distinct time buckets in a
// series response.
const MaxBuckets = 1000

// BucketExpr returns a SQL expression truncating the timestamp
// column col to the start of its hour or day. The result uses
// TimeLayout, so bucket keys sort lexically.
func BucketExpr(b Bucket, col string) string {
	if b == BucketHour {
		return "strftime('%Y-%m-%dT%H:00:00.000Z', " + col + ")"
	}
	return "strftime('%Y-%m-%dT00:00:00.000Z', " + col + ")"
}

// LimitBuckets keeps the rows belonging to the MaxBuckets most
// recent distinct bucket keys. Row order is preserved.
func LimitBuckets[T any](rows []T, key func(T) string) []T {
	return limitBuckets(rows, key, MaxBuckets)
}

func limitBuckets[T any](
	rows []T, key func(T) string, limit int,
) []T {
	if limit <= 0 {
		return nil
	}
	seen := make(map[string]struct{})
	for _, r := range rows {
		seen[key(r)] = struct{}{}
	}
	if len(seen) <= limit {
		return rows
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	cutoff := keys[len(keys)-limit]

	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if key(r) >= cutoff {
			out = append(out, r)
		}
	}
	return out
}
