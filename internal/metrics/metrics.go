// Package metrics keeps process-lifetime counters for the cache facade.
//
// Counters reset when the process restarts; nothing here is persisted.
package metrics

import (
	"sync"
	"time"
)

// Operation names used for latency tracking.
const (
	OperationGet        = "get"
	OperationSet        = "set"
	OperationInvalidate = "invalidate"
	OperationCleanup    = "cleanup"
)

// maxLatencySamples bounds the per-operation latency window.
const maxLatencySamples = 10000

// Collector records cache activity. It is safe for concurrent use.
type Collector struct {
	mu sync.RWMutex

	hits   int64
	misses int64

	sets        int64
	setFailures int64

	invalidated int64
	cleaned     int64

	errors         int64
	retries        int64
	repairs        int64
	repairFailures int64
	touchFailures  int64

	bytesServed int64
	bytesStored int64

	latencies map[string][]time.Duration

	startTime     time.Time
	lastHitTime   time.Time
	lastMissTime  time.Time
	lastErrorTime time.Time
	lastRepair    time.Time
}

// New creates an empty Collector.
func New() *Collector {
	return &Collector{
		startTime: time.Now(),
		latencies: make(map[string][]time.Duration),
	}
}

// RecordHit records a cache hit that served n bytes.
func (c *Collector) RecordHit(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hits++
	c.bytesServed += n
	c.lastHitTime = time.Now()
}

// RecordMiss records a cache miss.
func (c *Collector) RecordMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.misses++
	c.lastMissTime = time.Now()
}

// RecordSet records the outcome of a write of n bytes.
func (c *Collector) RecordSet(n int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !ok {
		c.setFailures++
		return
	}
	c.sets++
	c.bytesStored += n
}

// RecordInvalidated records entries removed by an explicit invalidation.
func (c *Collector) RecordInvalidated(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated += n
}

// RecordCleanup records entries removed by an expiry sweep.
func (c *Collector) RecordCleanup(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned += n
}

// RecordError records an infrastructure failure that was absorbed.
func (c *Collector) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errors++
	c.lastErrorTime = time.Now()
}

// RecordRetry records one backoff-and-retry of a store operation.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

// RecordRepair records a repair attempt and whether it succeeded.
func (c *Collector) RecordRepair(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok {
		c.repairs++
	} else {
		c.repairFailures++
	}
	c.lastRepair = time.Now()
}

// RecordTouchFailure records a failed access-metadata update.
func (c *Collector) RecordTouchFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchFailures++
}

// RecordLatency records the latency of an operation.
func (c *Collector) RecordLatency(operation string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	samples := append(c.latencies[operation], d)
	if len(samples) > maxLatencySamples { // keep the most recent half
		samples = samples[len(samples)-maxLatencySamples/2:]
	}
	c.latencies[operation] = samples
}

func (c *Collector) hitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0.0
	}
	return float64(c.hits) / float64(total)
}

// Snapshot returns a point-in-time copy of the counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	avg := make(map[string]time.Duration, len(c.latencies))
	for op, samples := range c.latencies {
		if len(samples) == 0 {
			continue
		}
		var total time.Duration
		for _, s := range samples {
			total += s
		}
		avg[op] = total / time.Duration(len(samples))
	}

	return Snapshot{
		Hits:             c.hits,
		Misses:           c.misses,
		HitRate:          c.hitRate(),
		Sets:             c.sets,
		SetFailures:      c.setFailures,
		Invalidated:      c.invalidated,
		Cleaned:          c.cleaned,
		Errors:           c.errors,
		Retries:          c.retries,
		Repairs:          c.repairs,
		RepairFailures:   c.repairFailures,
		TouchFailures:    c.touchFailures,
		BytesServed:      c.bytesServed,
		BytesStored:      c.bytesStored,
		AverageLatencies: avg,
		Uptime:           time.Since(c.startTime),
		LastHit:          c.lastHitTime,
		LastMiss:         c.lastMissTime,
		LastError:        c.lastErrorTime,
		LastRepair:       c.lastRepair,
	}
}

// Snapshot is a point-in-time view of cache activity.
type Snapshot struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`

	Sets        int64 `json:"sets"`
	SetFailures int64 `json:"set_failures"`

	Invalidated int64 `json:"invalidated"`
	Cleaned     int64 `json:"cleaned"`

	Errors         int64 `json:"errors"`
	Retries        int64 `json:"retries"`
	Repairs        int64 `json:"repairs"`
	RepairFailures int64 `json:"repair_failures"`
	TouchFailures  int64 `json:"touch_failures"`

	BytesServed int64 `json:"bytes_served"`
	BytesStored int64 `json:"bytes_stored"`

	// Average latency per operation name.
	AverageLatencies map[string]time.Duration `json:"avg_latency_ns"`

	Uptime time.Duration `json:"uptime"`

	// Zero when the event has not happened yet.
	LastHit    time.Time `json:"last_hit"`
	LastMiss   time.Time `json:"last_miss"`
	LastError  time.Time `json:"last_error"`
	LastRepair time.Time `json:"last_repair"`
}

// Reset clears all counters.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hits, c.misses = 0, 0
	c.sets, c.setFailures = 0, 0
	c.invalidated, c.cleaned = 0, 0
	c.errors, c.retries = 0, 0
	c.repairs, c.repairFailures, c.touchFailures = 0, 0, 0
	c.bytesServed, c.bytesStored = 0, 0
	c.latencies = make(map[string][]time.Duration)
	c.startTime = time.Now()
	c.lastHitTime = time.Time{}
	c.lastMissTime = time.Time{}
	c.lastErrorTime = time.Time{}
	c.lastRepair = time.Time{}
}
