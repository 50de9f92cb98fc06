// Package store persists cache entries in a single embedded SQLite file.
//
// The store is the only component that touches the backing file. It never
// reads the clock: every operation that depends on time takes the caller's
// notion of now, which keeps expiry decisions in one place and testable.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmoiron/sqlx"
	digest "github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Default connection settings.
const (
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 1
)

// Config controls how the backing file is opened.
type Config struct {
	// Path is the location of the database file. Relative paths are resolved
	// against the working directory when the store is created.
	Path string
	// BusyTimeout is how long SQLite waits on a locked file before reporting
	// the store as busy.
	BusyTimeout time.Duration
	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int
}

// Store is a durable table of cache entries.
//
// Operations hold a read lock for their whole duration; Close and Initialize
// take the write lock, so a repair never closes a handle that is in use.
type Store struct {
	cfg  Config
	path string

	mu sync.RWMutex
	db *sqlx.DB
}

// New validates cfg and returns an unopened store. Call Initialize before use.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "cache store path is required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "failed to resolve cache store path")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultMaxOpenConns
	}
	return &Store{cfg: cfg, path: abs}, nil
}

// Path returns the absolute path of the backing file.
func (s *Store) Path() string {
	return s.path
}

// Available reports whether the store currently holds an open handle.
func (s *Store) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *Store) dsn() string {
	busy := int(s.cfg.BusyTimeout / time.Millisecond)
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_txlock=immediate", s.path, busy)
}

// Initialize opens or creates the backing file, applies the schema and runs
// an integrity check. It is idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.WithContext(
			errors.Wrap(err, errors.CodeForbidden, "failed to create cache directory"),
			"path", s.path,
		)
	}

	db, err := sqlx.Open("sqlite", s.dsn())
	if err != nil {
		return errors.WithContext(classify(err, "failed to open cache store"), "path", s.path)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)

	if err := s.prepare(ctx, db); err != nil {
		db.Close()
		return errors.WithContext(err, "path", s.path)
	}

	s.db = db
	return nil
}

func (s *Store) prepare(ctx context.Context, db *sqlx.DB) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.BusyTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return classify(err, "failed to ping cache store")
	}
	if err := migrate(ctx, db); err != nil {
		return err
	}
	return quickCheck(ctx, db)
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	var version int
	if err := db.GetContext(ctx, &version, `PRAGMA user_version`); err != nil {
		return classify(err, "failed to read schema version")
	}
	if version > schemaVersion {
		return errors.Newf(errors.CodeSchemaVersionIncompatible,
			"cache store schema version %d is newer than supported version %d", version, schemaVersion)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin migration")
	}
	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return classify(err, fmt.Sprintf("failed to execute schema statement %d", i+1))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit migration")
	}
	return nil
}

func quickCheck(ctx context.Context, db *sqlx.DB) error {
	var results []string
	if err := db.SelectContext(ctx, &results, `PRAGMA quick_check`); err != nil {
		return classify(err, "failed to run integrity check")
	}
	if len(results) == 1 && results[0] == "ok" {
		return nil
	}
	return errors.WithContext(
		errors.New(CodeCorrupted, "cache store failed integrity check"),
		"details", strings.Join(results, "; "),
	)
}

// Close releases the handle. The store can be re-opened with Initialize.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return classify(err, "failed to close cache store")
	}
	return nil
}

func (s *Store) withDB(fn func(db *sqlx.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return ErrNotOpen
	}
	return fn(s.db)
}

// Read returns the entry stored under key if it is still live at now.
// Expired rows are left in place for CleanupExpired.
func (s *Store) Read(ctx context.Context, key string, now time.Time) (Entry, bool, error) {
	var row entryRow
	err := s.withDB(func(db *sqlx.DB) error {
		return db.GetContext(ctx, &row, selectLiveEntry, key, toNanos(now))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, classify(err, "failed to read cache entry")
	}

	if !checksumMatches(row.Checksum, row.Payload) {
		return Entry{}, false, errors.WithContext(
			errors.Wrap(ErrEntryCorrupted, CodeEntryCorrupted, "failed to verify cache entry"),
			"key", key,
		)
	}
	return row.entry(), true, nil
}

func checksumMatches(checksum string, payload []byte) bool {
	d, err := digest.Parse(checksum)
	if err != nil {
		return false
	}
	return d.Algorithm().FromBytes(payload) == d
}

// Write upserts e, replacing any previous entry under the same key and
// resetting its access metadata. The checksum is computed from the payload.
func (s *Store) Write(ctx context.Context, e Entry) error {
	if e.Key == "" {
		return errors.New(errors.CodeInvalidInput, "cache entry key is required")
	}
	if !e.ExpiresAt.After(e.CreatedAt) {
		return errors.WithContext(
			errors.New(errors.CodeInvalidInput, "cache entry must expire after it is created"),
			"key", e.Key,
		)
	}
	if e.ExpiresAt.After(MaxTime) {
		return errors.WithContext(
			errors.Newf(errors.CodeInvalidInput, "cache entry expiry is after %s", MaxTime.Format(time.RFC3339)),
			"key", e.Key,
		)
	}
	e.Checksum = digest.FromBytes(e.Payload).String()

	row := newEntryRow(e)
	err := s.withDB(func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, upsertEntry, row)
		return err
	})
	return classify(err, "failed to write cache entry")
}

// Touch records a hit on key at now. A missing key is not an error.
func (s *Store) Touch(ctx context.Context, key string, now time.Time) error {
	err := s.withDB(func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, touchEntry, toNanos(now), key)
		return err
	})
	return classify(err, "failed to update access metadata")
}

// Delete removes every entry matching f and returns how many were removed.
func (s *Store) Delete(ctx context.Context, f Filter) (int64, error) {
	if f.kind == filterInvalid {
		return 0, errors.New(errors.CodeInvalidInput, "delete filter is required")
	}

	query := `DELETE FROM cache_entries`
	if f.clause != "" {
		query += ` WHERE ` + f.clause
	}

	var removed int64
	err := s.withDB(func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, query, f.args...)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.WithContext(classify(err, "failed to delete cache entries"), "filter", f.String())
	}
	return removed, nil
}

// Aggregate summarizes the table as of now.
func (s *Store) Aggregate(ctx context.Context, now time.Time) (Aggregate, error) {
	var agg Aggregate
	err := s.withDB(func(db *sqlx.DB) error {
		var counts countsRow
		if err := db.GetContext(ctx, &counts, selectCounts, toNanos(now)); err != nil {
			return err
		}
		agg.Total = counts.Total
		agg.Expired = counts.Expired
		if counts.Oldest.Valid {
			agg.Oldest = fromNanos(counts.Oldest.Int64)
		}
		if counts.Newest.Valid {
			agg.Newest = fromNanos(counts.Newest.Int64)
		}

		var pageCount, pageSize int64
		if err := db.GetContext(ctx, &pageCount, `PRAGMA page_count`); err != nil {
			return err
		}
		if err := db.GetContext(ctx, &pageSize, `PRAGMA page_size`); err != nil {
			return err
		}
		agg.SizeBytes = pageCount * pageSize

		var top accessRow
		err := db.GetContext(ctx, &top, selectMostAccessed)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			agg.MostAccessed = &AccessSummary{
				Key:            top.Key,
				SourceID:       top.SourceID,
				AccessCount:    top.AccessCount,
				LastAccessedAt: fromNanos(top.LastAccessedAt),
			}
		}
		return nil
	})
	if err != nil {
		return Aggregate{}, classify(err, "failed to aggregate cache entries")
	}
	return agg, nil
}

// List returns every entry, newest first, with its status as of now.
func (s *Store) List(ctx context.Context, now time.Time) ([]Listing, error) {
	rows := []listingRow{}
	err := s.withDB(func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &rows, selectListings)
	})
	if err != nil {
		return nil, classify(err, "failed to list cache entries")
	}

	ts := toNanos(now)
	listings := make([]Listing, 0, len(rows))
	for _, r := range rows {
		listings = append(listings, r.listing(ts))
	}
	return listings, nil
}
