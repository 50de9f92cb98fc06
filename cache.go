package pollcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"

	"github.com/jmgilman/pollcache/internal/fingerprint"
	"github.com/jmgilman/pollcache/internal/logging"
	"github.com/jmgilman/pollcache/internal/metrics"
	"github.com/jmgilman/pollcache/internal/repair"
	"github.com/jmgilman/pollcache/internal/retry"
	"github.com/jmgilman/pollcache/internal/store"
)

// Miss reasons reported in logs.
const (
	missNotFound    = "not_found_or_expired"
	missUnavailable = "store_unavailable"
	missCorrupted   = "checksum_mismatch"
	missUndecodable = "undecodable_payload"
	missClosed      = "cache_closed"
)

// Cache is a persistent TTL cache. It is safe for concurrent use.
type Cache struct {
	cfg     Config
	store   *store.Store
	retry   *retry.Coordinator
	codec   Codec
	codecs  map[string]Codec
	logger  *logging.Logger
	metrics *metrics.Collector
	clock   func() time.Time

	// mu is held shared by every store operation and exclusively by Close.
	mu     sync.RWMutex
	closed atomic.Bool
}

// DeriveKey returns the cache key for sourceID and params.
func DeriveKey(sourceID string, params map[string]any) (string, error) {
	return fingerprint.DeriveKey(sourceID, params)
}

// Open validates cfg and opens the cache.
//
// Only configuration errors are returned. If the backing file cannot be
// opened or repaired, Open still returns a usable Cache: every read misses and
// every write reports false until a later operation manages to open the store.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Cache, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := cacheOptions{
		clock: time.Now,
		fs:    billy.NewLocal(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry != nil {
		cfg.Retry = *o.retry
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := newLogger(cfg, o)
	if err != nil {
		return nil, err
	}

	st, err := store.New(store.Config{
		Path:         cfg.Path,
		BusyTimeout:  cfg.BusyTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}

	zc, err := NewZstdCodec()
	if err != nil {
		return nil, err
	}
	codecs := map[string]Codec{
		EncodingJSON:     JSONCodec{},
		EncodingZstdJSON: zc,
	}
	codec := o.codec
	if codec == nil {
		codec = codecs[EncodingJSON]
		if cfg.Compression == CompressionZstd {
			codec = zc
		}
	}
	codecs[codec.Name()] = codec

	collector := metrics.New()
	clock := o.clock
	rep := repair.New(o.fs, st,
		repair.WithLogger(logger),
		repair.WithMetrics(collector),
		repair.WithClock(func() time.Time { return clock().UTC() }),
	)
	coord := retry.New(cfg.retryPolicy(), rep,
		retry.WithLogger(logger),
		retry.WithMetrics(collector),
	)

	c := &Cache{
		cfg:     cfg,
		store:   st,
		retry:   coord,
		codec:   codec,
		codecs:  codecs,
		logger:  logger,
		metrics: collector,
		clock:   clock,
	}

	if err := c.ensureOpen(ctx); err != nil {
		logger.Error(ctx, "cache store unavailable, continuing without persistence",
			"path", st.Path(), "error", err.Error())
	} else {
		logger.Debug(ctx, "cache store opened", "path", st.Path())
	}
	return c, nil
}

func newLogger(cfg Config, o cacheOptions) (*logging.Logger, error) {
	if o.logger != nil {
		return logging.FromSlog(o.logger), nil
	}
	if cfg.Log.Level == "" {
		return logging.NewNopLogger(), nil
	}
	level, err := logging.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid log level")
	}
	lc := logging.DefaultLogConfig()
	lc.Level = level
	return logging.NewLogger(lc), nil
}

// Path returns the absolute path of the backing file.
func (c *Cache) Path() string {
	return c.store.Path()
}

// Close releases the backing file. Operations after Close miss or report
// false without touching the store.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, codec := range c.codecs {
		if closer, ok := codec.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	return c.store.Close()
}

func (c *Cache) now() time.Time {
	return c.clock().UTC()
}

// ensureOpen opens the store if a previous open or repair left it closed.
func (c *Cache) ensureOpen(ctx context.Context) error {
	if c.store.Available() {
		return nil
	}
	_, err := c.retry.Do(ctx, "initialize", c.store.Initialize)
	return err
}

// run executes a store operation through the retry coordinator.
func (c *Cache) run(ctx context.Context, op logging.Operation, fn func(ctx context.Context) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := time.Now()
	var err error = errClosed
	if !c.closed.Load() {
		err = c.ensureOpen(ctx)
		if err == nil {
			_, err = c.retry.Do(ctx, string(op), fn)
		}
	}
	if err != nil {
		c.metrics.RecordError()
	}
	logging.LogCacheOperation(ctx, c.logger, op, time.Since(start), err == nil, 0, err)
	return err
}

// Get returns the live entry stored for sourceID and params.
//
// The boolean reports a hit. Expired entries, unreadable payloads and store
// failures are all reported as misses; the error is non-nil only when params
// cannot be serialized.
func (c *Cache) Get(ctx context.Context, sourceID string, params map[string]any) (Records, bool, error) {
	key, err := DeriveKey(sourceID, params)
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	defer func() {
		c.metrics.RecordLatency(metrics.OperationGet, time.Since(start))
	}()

	records, entry, reason := c.lookup(ctx, key)
	if reason != "" {
		return c.miss(ctx, key, reason)
	}

	c.metrics.RecordHit(int64(len(entry.Payload)))
	logging.LogCacheHit(ctx, c.logger, key, entry.AccessCount+1)
	return records, true, nil
}

// lookup reads and decodes the live entry for key without touching the hit
// and miss counters. An empty reason means the entry was found.
func (c *Cache) lookup(ctx context.Context, key string) (Records, store.Entry, string) {
	if c.closed.Load() {
		return nil, store.Entry{}, missClosed
	}

	now := c.now()
	var (
		entry store.Entry
		found bool
	)
	err := c.run(ctx, logging.OpGet, func(ctx context.Context) error {
		var rerr error
		entry, found, rerr = c.store.Read(ctx, key, now)
		return rerr
	})
	switch {
	case errors.Is(err, store.ErrEntryCorrupted):
		c.drop(ctx, key)
		return nil, store.Entry{}, missCorrupted
	case err != nil:
		return nil, store.Entry{}, missUnavailable
	case !found:
		return nil, store.Entry{}, missNotFound
	}

	records, err := c.decode(entry)
	if err != nil {
		c.logger.WithKey(key).Warn(ctx, "failed to decode cached payload",
			"encoding", entry.Encoding, "error", err.Error())
		c.drop(ctx, key)
		return nil, store.Entry{}, missUndecodable
	}

	c.touch(ctx, key, now)
	return records, entry, ""
}

func (c *Cache) miss(ctx context.Context, key, reason string) (Records, bool, error) {
	c.metrics.RecordMiss()
	logging.LogCacheMiss(ctx, c.logger, key, reason)
	return nil, false, nil
}

func (c *Cache) decode(entry store.Entry) (Records, error) {
	codec, ok := c.codecs[entry.Encoding]
	if !ok {
		return nil, errors.Newf(errors.CodeInternal, "unknown payload encoding %q", entry.Encoding)
	}
	return codec.Decode(entry.Payload)
}

// touch records a hit. Failures are logged and counted but never fail the read.
func (c *Cache) touch(ctx context.Context, key string, now time.Time) {
	if err := c.store.Touch(ctx, key, now); err != nil {
		c.metrics.RecordTouchFailure()
		c.logger.WithOperation(logging.OpTouch).WithKey(key).Warn(ctx,
			"failed to update access metadata", "error", err.Error())
	}
}

// drop removes an unreadable entry so the next Set can replace it cleanly.
func (c *Cache) drop(ctx context.Context, key string) {
	if _, err := c.store.Delete(ctx, store.ByKey(key)); err != nil {
		c.logger.WithKey(key).Warn(ctx, "failed to remove unreadable entry", "error", err.Error())
	}
}

// Set stores payload for sourceID and params with the given TTL. A zero TTL
// selects Config.DefaultTTL.
//
// The boolean reports whether the entry was persisted. An error is returned
// only for caller mistakes: an empty or unserializable payload, a negative
// TTL or one that expires past the storable range, or params that cannot be
// serialized.
func (c *Cache) Set(ctx context.Context, sourceID string, payload Records, params map[string]any, ttl time.Duration) (bool, error) {
	if len(payload) == 0 {
		return false, errors.New(errors.CodeInvalidInput, "payload must contain at least one record")
	}
	if ttl < 0 {
		return false, errors.Newf(errors.CodeInvalidInput, "ttl must not be negative, got %s", ttl)
	}
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.now()
	if ttl > store.MaxTime.Sub(now) {
		return false, errors.Newf(errors.CodeInvalidInput,
			"ttl %s expires after the latest representable time %s", ttl, store.MaxTime.Format(time.RFC3339))
	}

	canon, err := fingerprint.CanonicalParams(params)
	if err != nil {
		return false, errors.WithContext(err, "source", sourceID)
	}
	key := fingerprint.Of(sourceID, canon)

	data, err := c.codec.Encode(payload)
	if err != nil {
		return false, errors.WithContext(err, "source", sourceID)
	}

	if c.closed.Load() {
		c.metrics.RecordSet(int64(len(data)), false)
		return false, nil
	}

	start := time.Now()
	defer func() {
		c.metrics.RecordLatency(metrics.OperationSet, time.Since(start))
	}()

	entry := store.Entry{
		Key:        key,
		Payload:    data,
		Encoding:   c.codec.Name(),
		SourceID:   sourceID,
		ParamsJSON: canon,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	err = c.run(ctx, logging.OpSet, func(ctx context.Context) error {
		return c.store.Write(ctx, entry)
	})
	c.metrics.RecordSet(int64(len(data)), err == nil)
	if err != nil {
		c.logger.WithOperation(logging.OpSet).WithKey(key).Error(ctx,
			"failed to store cache entry", "error", err.Error())
		return false, nil
	}

	logging.LogCacheSet(ctx, c.logger, key, ttl, len(data))
	return true, nil
}

// Invalidate removes entries and returns how many were removed.
//
// With an empty sourceID every entry is removed. With nil params every entry
// for sourceID is removed. Otherwise only the entry for sourceID and params is
// removed; pass an empty, non-nil map to target an entry stored with no
// parameters. Store failures remove nothing and return 0.
func (c *Cache) Invalidate(ctx context.Context, sourceID string, params map[string]any) (int, error) {
	var (
		filter store.Filter
		scope  string
	)
	switch {
	case sourceID == "":
		filter, scope = store.All(), "all"
	case params == nil:
		filter, scope = store.BySource(sourceID), "source"
	default:
		key, err := DeriveKey(sourceID, params)
		if err != nil {
			return 0, err
		}
		filter, scope = store.ByKey(key), "entry"
	}

	if c.closed.Load() {
		return 0, nil
	}

	start := time.Now()
	defer func() {
		c.metrics.RecordLatency(metrics.OperationInvalidate, time.Since(start))
	}()

	var removed int64
	err := c.run(ctx, logging.OpInvalidate, func(ctx context.Context) error {
		var derr error
		removed, derr = c.store.Delete(ctx, filter)
		return derr
	})
	if err != nil {
		c.logger.WithOperation(logging.OpInvalidate).Error(ctx,
			"failed to invalidate cache entries", "scope", scope, "error", err.Error())
		return 0, nil
	}

	c.metrics.RecordInvalidated(removed)
	logging.LogInvalidate(ctx, c.logger, scope, removed)
	return int(removed), nil
}

// CleanupExpired removes every entry whose expiry is at or before now and
// returns how many were removed. Store failures return 0.
func (c *Cache) CleanupExpired(ctx context.Context) int {
	if c.closed.Load() {
		return 0
	}

	start := time.Now()
	now := c.now()

	var removed int64
	err := c.run(ctx, logging.OpCleanupExpired, func(ctx context.Context) error {
		var derr error
		removed, derr = c.store.Delete(ctx, store.ExpiredAsOf(now))
		return derr
	})
	duration := time.Since(start)
	c.metrics.RecordLatency(metrics.OperationCleanup, duration)
	if err != nil {
		c.logger.WithOperation(logging.OpCleanupExpired).Error(ctx,
			"failed to clean up expired entries", "error", err.Error())
		return 0
	}

	c.metrics.RecordCleanup(removed)
	logging.LogCleanup(ctx, c.logger, removed, duration)
	return int(removed)
}
