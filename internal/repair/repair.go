// Package repair rebuilds a corrupted backing file so the cache can keep
// serving (initially empty) results.
package repair

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"

	"github.com/jmgilman/pollcache/internal/logging"
	"github.com/jmgilman/pollcache/internal/metrics"
)

// CodeRepairFailed is returned when the backing file could not be replaced
// with a fresh, usable one.
const CodeRepairFailed errors.ErrorCode = "REPAIR_FAILED"

// backupTimeFormat is appended to quarantined files as <path>.corrupt-<ts>.
const backupTimeFormat = "20060102T150405.000Z"

// sidecarSuffixes are the files SQLite may leave next to the database.
var sidecarSuffixes = []string{"-journal", "-wal", "-shm"}

// Target is the store being repaired.
type Target interface {
	Path() string
	Close() error
	Initialize(ctx context.Context) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used to report repairs.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the collector that counts repairs.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithClock overrides the clock used to name backups.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager replaces a corrupted backing file with an empty one.
// Concurrent calls to Repair are serialized.
type Manager struct {
	fs      core.FS
	target  Target
	logger  *logging.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu sync.Mutex
}

// New creates a Manager that performs file operations through fsys.
func New(fsys core.FS, target Target, opts ...Option) *Manager {
	m := &Manager{
		fs:     fsys,
		target: target,
		logger: logging.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Repair closes the target, moves the damaged file aside (or removes it),
// clears SQLite sidecar files and initializes a fresh store at the original
// path.
//
// On failure the target is left closed and a CodeRepairFailed error is
// returned; a later call may try again.
func (m *Manager) Repair(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	path := m.target.Path()

	if err := m.target.Close(); err != nil {
		m.logger.Warn(ctx, "failed to close store before repair", "path", path, "error", err.Error())
	}

	backup, err := m.quarantine(ctx, path)
	if err != nil {
		return m.fail(ctx, path, start, err)
	}

	m.removeSidecars(ctx, path)

	if err := m.target.Initialize(ctx); err != nil {
		return m.fail(ctx, path, start,
			errors.Wrap(err, CodeRepairFailed, "failed to initialize fresh cache store"))
	}

	if m.metrics != nil {
		m.metrics.RecordRepair(true)
	}
	logging.LogRepair(ctx, m.logger, path, backup, time.Since(start), nil)
	return nil
}

func (m *Manager) fail(ctx context.Context, path string, start time.Time, err error) error {
	err = errors.WithContext(err, "path", path)
	if m.metrics != nil {
		m.metrics.RecordRepair(false)
	}
	logging.LogRepair(ctx, m.logger, path, "", time.Since(start), err)
	return err
}

// quarantine moves the file at path out of the way and returns the backup
// location, or "" when the file was missing or had to be deleted.
func (m *Manager) quarantine(ctx context.Context, path string) (string, error) {
	exists, err := m.fs.Exists(path)
	if err != nil {
		return "", errors.Wrap(err, CodeRepairFailed, "failed to inspect cache store file")
	}
	if !exists {
		return "", nil
	}

	backup := fmt.Sprintf("%s.corrupt-%s", path, m.now().UTC().Format(backupTimeFormat))
	renameErr := m.fs.Rename(path, backup)
	if renameErr == nil {
		return backup, nil
	}

	m.logger.Warn(ctx, "failed to back up corrupted store, removing it",
		"path", path, "backup", backup, "error", renameErr.Error())
	if err := m.fs.Remove(path); err != nil {
		return "", errors.Wrap(err, CodeRepairFailed, "failed to remove corrupted cache store")
	}
	return "", nil
}

func (m *Manager) removeSidecars(ctx context.Context, path string) {
	for _, suffix := range sidecarSuffixes {
		name := path + suffix
		exists, err := m.fs.Exists(name)
		if err != nil || !exists {
			continue
		}
		if err := m.fs.Remove(name); err != nil {
			m.logger.Warn(ctx, "failed to remove store sidecar", "path", name, "error", err.Error())
		}
	}
}
