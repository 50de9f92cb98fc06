package pollcache

import (
	"context"
	"math"
	"time"

	"github.com/jmgilman/pollcache/internal/logging"
	"github.com/jmgilman/pollcache/internal/store"
)

// Entry status values.
const (
	StatusValid   = store.StatusValid
	StatusExpired = store.StatusExpired
)

// Stats summarizes the cache. Hit and miss counters cover the lifetime of
// this Cache value; entry counts and sizes come from the backing file.
type Stats struct {
	TotalEntries   int64 `json:"total_entries"`
	ValidEntries   int64 `json:"valid_entries"`
	ExpiredEntries int64 `json:"expired_entries"`

	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`

	SizeBytes int64   `json:"size_bytes"`
	SizeMB    float64 `json:"size_mb"`

	// OldestEntry and NewestEntry are zero when the cache is empty.
	OldestEntry  time.Time     `json:"oldest_entry"`
	NewestEntry  time.Time     `json:"newest_entry"`
	MostAccessed *MostAccessed `json:"most_accessed,omitempty"`

	Retries        int64 `json:"retries"`
	Repairs        int64 `json:"repairs"`
	RepairFailures int64 `json:"repair_failures"`
	Errors         int64 `json:"errors"`
	TouchFailures  int64 `json:"touch_failures"`

	// StoreAvailable is false when the backing file could not be read; the
	// entry counts are then zero.
	StoreAvailable bool   `json:"store_available"`
	Path           string `json:"path"`

	Activity Activity `json:"activity"`
}

// Activity is what this Cache value has done since Open or the last
// ResetStats.
type Activity struct {
	Sets        int64 `json:"sets"`
	SetFailures int64 `json:"set_failures"`
	Invalidated int64 `json:"invalidated"`
	Cleaned     int64 `json:"cleaned"`
	BytesServed int64 `json:"bytes_served"`
	BytesStored int64 `json:"bytes_stored"`

	// AverageLatency is keyed by operation: get, set, invalidate, cleanup.
	AverageLatency map[string]time.Duration `json:"avg_latency_ns"`
	Uptime         time.Duration            `json:"uptime_ns"`

	// Zero when the event has not happened yet.
	LastHit    time.Time `json:"last_hit"`
	LastMiss   time.Time `json:"last_miss"`
	LastError  time.Time `json:"last_error"`
	LastRepair time.Time `json:"last_repair"`
}

// MostAccessed identifies the entry with the highest access count.
type MostAccessed struct {
	Key            string    `json:"key"`
	SourceID       string    `json:"source_id"`
	AccessCount    int64     `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// EntryInfo describes a stored entry without its payload.
type EntryInfo struct {
	Key            string    `json:"key"`
	SourceID       string    `json:"source_id"`
	Params         string    `json:"params"`
	Encoding       string    `json:"encoding"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	AccessCount    int64     `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	SizeBytes      int64     `json:"size_bytes"`
	Status         string    `json:"status"`
}

// Stats returns a summary of the cache. It never fails; when the store cannot
// be read only the in-memory counters are filled in.
func (c *Cache) Stats(ctx context.Context) Stats {
	var (
		agg store.Aggregate
		err error = errClosed
	)
	if !c.closed.Load() {
		now := c.now()
		err = c.run(ctx, logging.OpStats, func(ctx context.Context) error {
			var aerr error
			agg, aerr = c.store.Aggregate(ctx, now)
			return aerr
		})
		if err != nil {
			c.logger.WithOperation(logging.OpStats).Error(ctx,
				"failed to read cache statistics", "error", err.Error())
		}
	}

	snap := c.metrics.Snapshot()
	stats := Stats{
		Hits:           snap.Hits,
		Misses:         snap.Misses,
		HitRate:        snap.HitRate,
		Retries:        snap.Retries,
		Repairs:        snap.Repairs,
		RepairFailures: snap.RepairFailures,
		Errors:         snap.Errors,
		TouchFailures:  snap.TouchFailures,
		Path:           c.store.Path(),
		Activity: Activity{
			Sets:           snap.Sets,
			SetFailures:    snap.SetFailures,
			Invalidated:    snap.Invalidated,
			Cleaned:        snap.Cleaned,
			BytesServed:    snap.BytesServed,
			BytesStored:    snap.BytesStored,
			AverageLatency: snap.AverageLatencies,
			Uptime:         snap.Uptime,
			LastHit:        snap.LastHit,
			LastMiss:       snap.LastMiss,
			LastError:      snap.LastError,
			LastRepair:     snap.LastRepair,
		},
	}
	if err != nil {
		return stats
	}

	stats.StoreAvailable = true
	stats.TotalEntries = agg.Total
	stats.ExpiredEntries = agg.Expired
	stats.ValidEntries = agg.Total - agg.Expired
	stats.SizeBytes = agg.SizeBytes
	stats.SizeMB = math.Round(float64(agg.SizeBytes)/(1024*1024)*100) / 100
	stats.OldestEntry = agg.Oldest
	stats.NewestEntry = agg.Newest
	if agg.MostAccessed != nil {
		stats.MostAccessed = &MostAccessed{
			Key:            agg.MostAccessed.Key,
			SourceID:       agg.MostAccessed.SourceID,
			AccessCount:    agg.MostAccessed.AccessCount,
			LastAccessedAt: agg.MostAccessed.LastAccessedAt,
		}
	}
	return stats
}

// ResetStats clears the in-process counters reported by Stats. Stored
// entries are not affected.
func (c *Cache) ResetStats() {
	c.metrics.Reset()
}

// ListEntries describes every stored entry, newest first. It returns an
// empty slice when the store cannot be read.
func (c *Cache) ListEntries(ctx context.Context) []EntryInfo {
	if c.closed.Load() {
		return []EntryInfo{}
	}

	now := c.now()
	var listings []store.Listing
	err := c.run(ctx, logging.OpList, func(ctx context.Context) error {
		var lerr error
		listings, lerr = c.store.List(ctx, now)
		return lerr
	})
	if err != nil {
		c.logger.WithOperation(logging.OpList).Error(ctx,
			"failed to list cache entries", "error", err.Error())
		return []EntryInfo{}
	}

	entries := make([]EntryInfo, 0, len(listings))
	for _, l := range listings {
		entries = append(entries, EntryInfo{
			Key:            l.Key,
			SourceID:       l.SourceID,
			Params:         l.ParamsJSON,
			Encoding:       l.Encoding,
			CreatedAt:      l.CreatedAt,
			ExpiresAt:      l.ExpiresAt,
			AccessCount:    l.AccessCount,
			LastAccessedAt: l.LastAccessedAt,
			SizeBytes:      l.Size,
			Status:         l.Status,
		})
	}
	return entries
}
