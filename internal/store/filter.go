package store

import "time"

type filterKind int

const (
	filterInvalid filterKind = iota
	filterKey
	filterSource
	filterExpired
	filterAll
)

// Filter selects the entries removed by Delete.
type Filter struct {
	kind   filterKind
	clause string
	args   []any
}

// ByKey matches the single entry stored under key.
func ByKey(key string) Filter {
	return Filter{kind: filterKey, clause: `cache_key = ?`, args: []any{key}}
}

// BySource matches every entry fetched from sourceID.
func BySource(sourceID string) Filter {
	return Filter{kind: filterSource, clause: `source_id = ?`, args: []any{sourceID}}
}

// ExpiredAsOf matches entries whose expiry is at or before now.
func ExpiredAsOf(now time.Time) Filter {
	return Filter{kind: filterExpired, clause: `expires_at <= ?`, args: []any{toNanos(now)}}
}

// All matches every entry.
func All() Filter {
	return Filter{kind: filterAll}
}

// String names the filter for logs.
func (f Filter) String() string {
	switch f.kind {
	case filterKey:
		return "key"
	case filterSource:
		return "source"
	case filterExpired:
		return "expired"
	case filterAll:
		return "all"
	default:
		return "invalid"
	}
}
