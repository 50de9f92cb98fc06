// Package pollcache is a persistent time-to-live cache for tabular data
// fetched from slow or unreliable sources, such as poll tables scraped from a
// public wiki page.
//
// Entries live in a single embedded SQLite file and survive process restarts.
// The cache never crashes its caller: transient contention is retried with a
// bounded linear backoff, a corrupted backing file is moved aside and rebuilt,
// and any remaining infrastructure failure degrades to a cache miss (for reads)
// or a false result (for writes). Only caller mistakes, such as parameters
// that cannot be serialized or a negative TTL, are returned as errors.
//
// # Basic usage
//
//	cache, err := pollcache.Open(ctx, pollcache.Config{Path: "data/poll_cache.db"})
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	params := map[string]any{"n": 10}
//	if rows, ok, _ := cache.Get(ctx, url, params); ok {
//	    return rows, nil
//	}
//	rows, err := scrape(ctx, url)
//	if err != nil {
//	    return nil, err
//	}
//	_, _ = cache.Set(ctx, url, rows, params, 0) // 0 selects the default TTL
//
// # Cache-aside fetching
//
// NewCachedFetcher wraps any Fetcher so that a hit short-circuits the fetch
// and a miss fetches, stores and returns the result. Concurrent misses for
// the same key share a single fetch.
//
//	fetcher := pollcache.NewCachedFetcher(cache, pollcache.FetchFunc(scrape))
//	rows, err := fetcher.FetchPolls(ctx, url, pollcache.PollQuery{
//	    Columns: map[string]string{"Con": "Conservative", "Lab": "Labour"},
//	    N:       10,
//	})
//
// # Expiry
//
// An entry is valid while now < expiresAt. Reads never delete expired rows;
// call CleanupExpired to reclaim them. The cache starts no goroutines or
// timers of its own.
//
// # Errors
//
// Errors use github.com/jmgilman/go/errors. Caller errors carry
// errors.CodeInvalidInput; configuration errors carry
// errors.CodeInvalidConfig.
package pollcache
