package store

import (
	"database/sql"
	"math"
	"time"
)

// Status values reported by List.
const (
	StatusValid   = "valid"
	StatusExpired = "expired"
)

// Entry is one cached payload together with its bookkeeping.
type Entry struct {
	Key        string
	Payload    []byte
	Encoding   string
	Checksum   string
	SourceID   string
	ParamsJSON string

	CreatedAt      time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	LastAccessedAt time.Time
}

// Listing describes a stored entry without its payload.
type Listing struct {
	Key            string
	SourceID       string
	ParamsJSON     string
	Encoding       string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	LastAccessedAt time.Time
	Size           int64
	Status         string
}

// Aggregate summarizes the store at a point in time.
type Aggregate struct {
	Total     int64
	Expired   int64
	SizeBytes int64
	// Oldest and Newest are zero when the store is empty.
	Oldest time.Time
	Newest time.Time
	// MostAccessed is nil when the store is empty.
	MostAccessed *AccessSummary
}

// AccessSummary identifies the entry with the highest access count.
type AccessSummary struct {
	Key            string
	SourceID       string
	AccessCount    int64
	LastAccessedAt time.Time
}

type entryRow struct {
	Key            string `db:"cache_key"`
	Payload        []byte `db:"payload"`
	Encoding       string `db:"encoding"`
	Checksum       string `db:"checksum"`
	SourceID       string `db:"source_id"`
	ParamsJSON     string `db:"params_json"`
	CreatedAt      int64  `db:"created_at"`
	ExpiresAt      int64  `db:"expires_at"`
	AccessCount    int64  `db:"access_count"`
	LastAccessedAt int64  `db:"last_accessed_at"`
}

type listingRow struct {
	Key            string `db:"cache_key"`
	SourceID       string `db:"source_id"`
	ParamsJSON     string `db:"params_json"`
	Encoding       string `db:"encoding"`
	CreatedAt      int64  `db:"created_at"`
	ExpiresAt      int64  `db:"expires_at"`
	AccessCount    int64  `db:"access_count"`
	LastAccessedAt int64  `db:"last_accessed_at"`
	Size           int64  `db:"size"`
}

type countsRow struct {
	Total   int64         `db:"total"`
	Expired int64         `db:"expired"`
	Oldest  sql.NullInt64 `db:"oldest"`
	Newest  sql.NullInt64 `db:"newest"`
}

type accessRow struct {
	Key            string `db:"cache_key"`
	SourceID       string `db:"source_id"`
	AccessCount    int64  `db:"access_count"`
	LastAccessedAt int64  `db:"last_accessed_at"`
}

// MaxTime is the latest instant a timestamp column can hold.
var MaxTime = time.Unix(0, math.MaxInt64).UTC()

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func newEntryRow(e Entry) entryRow {
	return entryRow{
		Key:            e.Key,
		Payload:        e.Payload,
		Encoding:       e.Encoding,
		Checksum:       e.Checksum,
		SourceID:       e.SourceID,
		ParamsJSON:     e.ParamsJSON,
		CreatedAt:      toNanos(e.CreatedAt),
		ExpiresAt:      toNanos(e.ExpiresAt),
		AccessCount:    e.AccessCount,
		LastAccessedAt: toNanos(e.CreatedAt),
	}
}

func (r entryRow) entry() Entry {
	return Entry{
		Key:            r.Key,
		Payload:        r.Payload,
		Encoding:       r.Encoding,
		Checksum:       r.Checksum,
		SourceID:       r.SourceID,
		ParamsJSON:     r.ParamsJSON,
		CreatedAt:      fromNanos(r.CreatedAt),
		ExpiresAt:      fromNanos(r.ExpiresAt),
		AccessCount:    r.AccessCount,
		LastAccessedAt: fromNanos(r.LastAccessedAt),
	}
}

func (r listingRow) listing(now int64) Listing {
	status := StatusExpired
	if now < r.ExpiresAt {
		status = StatusValid
	}
	return Listing{
		Key:            r.Key,
		SourceID:       r.SourceID,
		ParamsJSON:     r.ParamsJSON,
		Encoding:       r.Encoding,
		CreatedAt:      fromNanos(r.CreatedAt),
		ExpiresAt:      fromNanos(r.ExpiresAt),
		AccessCount:    r.AccessCount,
		LastAccessedAt: fromNanos(r.LastAccessedAt),
		Size:           r.Size,
		Status:         status,
	}
}
