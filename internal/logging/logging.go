// Package logging provides the structured logger used by the cache layer.
//
// The cache emits structured events (hits, misses, retries, repairs) and never
// decides where they go: callers hand in a *slog.Logger or a LogConfig, and the
// default is a no-op logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

// LogLevelDebug represents debug logging level
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// slogLevel converts a LogLevel into the equivalent slog.Level.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// String returns the lower-case name of the level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "info"
	}
}

// LogConfig holds configuration for the cache logger.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error)
	Level LogLevel
	// EnableCallerInfo includes file and line number in logs
	EnableCallerInfo bool
	// EnableCacheOperations logs every successful get/set at info level.
	// When false, successful operations are logged at debug level.
	EnableCacheOperations bool
	// Output is where log lines are written. Defaults to os.Stderr.
	Output io.Writer
}

// DefaultLogConfig returns a default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:                 LogLevelInfo,
		EnableCallerInfo:      false,
		EnableCacheOperations: false, // Disabled by default to avoid noise
	}
}

// Logger provides structured logging for the cache system.
// A nil *Logger is valid and discards everything.
type Logger struct {
	logger *slog.Logger
	config LogConfig
}

// NewLogger creates a new structured logger with the given configuration.
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.EnableCallerInfo,
	})

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

// FromSlog wraps an existing slog.Logger. The logger's handler decides which
// levels are emitted.
func FromSlog(l *slog.Logger) *Logger {
	if l == nil {
		return NewNopLogger()
	}
	return &Logger{
		logger: l,
		config: LogConfig{Level: LogLevelDebug},
	}
}

// NewNopLogger creates a no-op logger that discards all log messages.
func NewNopLogger() *Logger {
	return &Logger{
		logger: slog.New(slog.DiscardHandler),
		config: LogConfig{Level: LogLevelError},
	}
}

func (l *Logger) enabled() bool {
	return l != nil && l.logger != nil
}

// Debug logs debug-level messages
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.logger.DebugContext(ctx, msg, args...)
	}
}

// Info logs info-level messages
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.logger.InfoContext(ctx, msg, args...)
	}
}

// Warn logs warning-level messages
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.logger.WarnContext(ctx, msg, args...)
	}
}

// Error logs error-level messages
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.logger.ErrorContext(ctx, msg, args...)
	}
}

// With returns a logger with additional context fields
func (l *Logger) With(args ...any) *Logger {
	if !l.enabled() {
		return l
	}
	return &Logger{
		logger: l.logger.With(args...),
		config: l.config,
	}
}

// WithOperation returns a logger with operation context
func (l *Logger) WithOperation(operation Operation) *Logger {
	return l.With("operation", string(operation))
}

// WithKey returns a logger with a shortened cache key attached.
func (l *Logger) WithKey(key string) *Logger {
	return l.With("key", ShortKey(key))
}

// WithSource returns a logger with the entry's source identifier attached.
func (l *Logger) WithSource(sourceID string) *Logger {
	return l.With("source", sourceID)
}

// ShortKey truncates a cache key for log output.
func ShortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

// Operation represents different types of cache operations for logging.
type Operation string

// Operation constants for cache operations
const (
	OpGet            Operation = "get"
	OpSet            Operation = "set"
	OpTouch          Operation = "touch"
	OpInvalidate     Operation = "invalidate"
	OpCleanupExpired Operation = "cleanup_expired"
	OpStats          Operation = "stats"
	OpList           Operation = "list"
	OpRepair         Operation = "repair"
	OpFetch          Operation = "fetch"
)

// LogCacheOperation logs a cache operation with performance metrics.
func LogCacheOperation(
	ctx context.Context,
	logger *Logger,
	operation Operation,
	duration time.Duration,
	success bool,
	size int64,
	err error,
) {
	if logger == nil {
		return
	}

	fields := []any{
		"operation", string(operation),
		"duration_ms", duration.Milliseconds(),
		"success", success,
	}

	if size > 0 {
		fields = append(fields, "size", size)
	}

	if err != nil {
		fields = append(fields, "error", err.Error())
	}

	switch {
	case !success:
		logger.Warn(ctx, "cache operation failed", fields...)
	case logger.config.EnableCacheOperations:
		logger.Info(ctx, "cache operation completed", fields...)
	default:
		logger.Debug(ctx, "cache operation completed", fields...)
	}
}

// LogCacheHit logs a cache hit event.
func LogCacheHit(ctx context.Context, logger *Logger, key string, accessCount int64) {
	if logger == nil {
		return
	}

	logger.Info(ctx, "cache hit",
		"key", ShortKey(key),
		"access", accessCount,
		"result", "hit")
}

// LogCacheMiss logs a cache miss event.
func LogCacheMiss(ctx context.Context, logger *Logger, key string, reason string) {
	if logger == nil {
		return
	}

	logger.Info(ctx, "cache miss",
		"key", ShortKey(key),
		"reason", reason,
		"result", "miss")
}

// LogCacheSet logs a successful store of an entry.
func LogCacheSet(ctx context.Context, logger *Logger, key string, ttl time.Duration, size int) {
	if logger == nil {
		return
	}

	logger.Info(ctx, "cache set",
		"key", ShortKey(key),
		"ttl", ttl.String(),
		"size", size)
}

// LogInvalidate logs an invalidation with the scope that was applied.
func LogInvalidate(ctx context.Context, logger *Logger, scope string, removed int64) {
	if logger == nil {
		return
	}

	logger.Info(ctx, "cache invalidated",
		"scope", scope,
		"entries_removed", removed)
}

// LogCleanup logs cleanup operations.
func LogCleanup(
	ctx context.Context,
	logger *Logger,
	entriesRemoved int64,
	duration time.Duration,
) {
	if logger == nil || entriesRemoved == 0 {
		return
	}

	logger.Info(ctx, "cache cleanup completed",
		"operation", string(OpCleanupExpired),
		"entries_removed", entriesRemoved,
		"duration_ms", duration.Milliseconds())
}

// LogRetry logs a retry decision taken by the retry coordinator.
func LogRetry(ctx context.Context, logger *Logger, operation string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}

	logger.Warn(ctx, "store busy, retrying",
		"operation", operation,
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
		"error", errString(err))
}

// LogRepair logs the result of a repair of the backing store.
func LogRepair(ctx context.Context, logger *Logger, path, backup string, duration time.Duration, err error) {
	if logger == nil {
		return
	}

	fields := []any{
		"operation", string(OpRepair),
		"path", path,
		"duration_ms", duration.Milliseconds(),
	}
	if backup != "" {
		fields = append(fields, "backup", backup)
	}

	if err != nil {
		fields = append(fields, "error", err.Error())
		logger.Error(ctx, "cache repair failed", fields...)
		return
	}
	logger.Warn(ctx, "cache store rebuilt after corruption", fields...)
}

// ParseLogLevel parses a string log level into a LogLevel.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
