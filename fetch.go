package pollcache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmgilman/pollcache/internal/logging"
)

// Fetcher retrieves fresh data for a source. Errors are returned to the
// caller unchanged.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID string, params map[string]any) (Records, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, sourceID string, params map[string]any) (Records, error)

// Fetch implements Fetcher.
func (f FetchFunc) Fetch(ctx context.Context, sourceID string, params map[string]any) (Records, error) {
	return f(ctx, sourceID, params)
}

// CachedFetcher serves fetches from a Cache and only calls the underlying
// Fetcher on a miss.
type CachedFetcher struct {
	cache   *Cache
	fetcher Fetcher
	group   singleflight.Group
}

// NewCachedFetcher wraps fetcher with cache.
func NewCachedFetcher(cache *Cache, fetcher Fetcher) *CachedFetcher {
	return &CachedFetcher{cache: cache, fetcher: fetcher}
}

// Fetch returns cached data for sourceID and params, fetching and caching it
// with the default TTL on a miss.
func (f *CachedFetcher) Fetch(ctx context.Context, sourceID string, params map[string]any) (Records, error) {
	return f.FetchWithTTL(ctx, sourceID, params, 0)
}

// FetchWithTTL is like Fetch but caches fresh data for ttl.
//
// Concurrent misses for the same key share one call to the Fetcher and
// receive the same Records value. A failure to cache fresh data is logged and
// the data is still returned.
func (f *CachedFetcher) FetchWithTTL(ctx context.Context, sourceID string, params map[string]any, ttl time.Duration) (Records, error) {
	if records, ok, err := f.cache.Get(ctx, sourceID, params); err != nil {
		return nil, err
	} else if ok {
		return records, nil
	}

	key, err := DeriveKey(sourceID, params)
	if err != nil {
		return nil, err
	}

	result, err, _ := f.group.Do(key, func() (any, error) {
		// Another flight may have stored the data since the first lookup.
		// The caller's miss is already counted.
		if records, _, reason := f.cache.lookup(ctx, key); reason == "" {
			return records, nil
		}

		records, err := f.fetcher.Fetch(ctx, sourceID, params)
		if err != nil {
			return nil, err
		}

		logger := f.cache.logger.WithOperation(logging.OpFetch).WithSource(sourceID)
		stored, serr := f.cache.Set(ctx, sourceID, records, params, ttl)
		switch {
		case serr != nil:
			logger.Warn(ctx, "fetched data was not cached", "error", serr.Error())
		case !stored:
			logger.Warn(ctx, "fetched data was not cached", "reason", "store unavailable")
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, _ := result.(Records)
	return records, nil
}

// DefaultPollCount is the number of polls requested when PollQuery.N is unset.
const DefaultPollCount = 10

// PollQuery is the parameter set used when scraping a poll table.
type PollQuery struct {
	// Columns maps source column names to the names used in the result.
	Columns map[string]string
	// N is the number of most recent polls to keep.
	N int
	// AllowRepeatedPollsters keeps several polls from the same pollster.
	AllowRepeatedPollsters bool
}

// Params returns the cache parameters for q.
func (q PollQuery) Params() map[string]any {
	cols := make(map[string]any, len(q.Columns))
	for k, v := range q.Columns {
		cols[k] = v
	}
	n := q.N
	if n <= 0 {
		n = DefaultPollCount
	}
	return map[string]any{
		"col_dict":                 cols,
		"n":                        n,
		"allow_repeated_pollsters": q.AllowRepeatedPollsters,
	}
}

// FetchPolls fetches the poll table at url for q.
func (f *CachedFetcher) FetchPolls(ctx context.Context, url string, q PollQuery) (Records, error) {
	return f.Fetch(ctx, url, q.Params())
}
