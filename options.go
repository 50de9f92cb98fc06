package pollcache

import (
	"log/slog"
	"time"

	"github.com/jmgilman/go/fs/core"
)

// Option configures a Cache at Open time.
type Option func(*cacheOptions)

type cacheOptions struct {
	logger *slog.Logger
	clock  func() time.Time
	codec  Codec
	fs     core.FS
	retry  *RetryConfig
}

// WithLogger routes cache events to logger. Without it the cache logs
// according to Config.Log, which by default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *cacheOptions) {
		o.logger = logger
	}
}

// WithClock replaces the clock used for creation and expiry times.
// The returned times are converted to UTC.
func WithClock(now func() time.Time) Option {
	return func(o *cacheOptions) {
		o.clock = now
	}
}

// WithCodec replaces the codec used for new entries. Entries written by the
// built-in codecs remain readable.
func WithCodec(codec Codec) Option {
	return func(o *cacheOptions) {
		o.codec = codec
	}
}

// WithFilesystem replaces the filesystem used to move corrupted files aside.
// It must address the same files as the operating system, since the store
// itself opens the backing file directly.
func WithFilesystem(fsys core.FS) Option {
	return func(o *cacheOptions) {
		o.fs = fsys
	}
}

// WithRetryPolicy overrides Config.Retry.
func WithRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(o *cacheOptions) {
		o.retry = &RetryConfig{MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: maxDelay}
	}
}
