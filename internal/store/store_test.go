package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 7, 4, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{Path: filepath.Join(t.TempDir(), "cache", "poll_cache.db")})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func testEntry(key, source string, created time.Time, ttl time.Duration) Entry {
	return Entry{
		Key:        key,
		Payload:    []byte(`[{"pollster":"YouGov","Lab":40}]`),
		Encoding:   "json",
		SourceID:   source,
		ParamsJSON: "{}",
		CreatedAt:  created,
		ExpiresAt:  created.Add(ttl),
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	s, err := New(Config{Path: "relative.db"})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(s.Path()))
	assert.Equal(t, DefaultBusyTimeout, s.cfg.BusyTimeout)
	assert.Equal(t, DefaultMaxOpenConns, s.cfg.MaxOpenConns)
}

func TestInitialize_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Close())
	require.NoError(t, s.Initialize(ctx))
	assert.True(t, s.Available())

	var version int
	require.NoError(t, s.db.GetContext(ctx, &version, `PRAGMA user_version`))
	assert.Equal(t, schemaVersion, version)

	var indexes []string
	require.NoError(t, s.db.SelectContext(ctx, &indexes,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'cache_entries' AND name LIKE 'idx_%'`))
	assert.Equal(t, []string{"idx_cache_entries_expires_at"}, indexes)
}

func TestWriteRead_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	e := testEntry("k1", "https://x", baseTime, time.Hour)
	require.NoError(t, s.Write(ctx, e))

	got, ok, err := s.Read(ctx, "k1", baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, e.Payload, got.Payload)
	assert.Equal(t, "json", got.Encoding)
	assert.Equal(t, "https://x", got.SourceID)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, e.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
	assert.Contains(t, got.Checksum, "sha256:")
	assert.Zero(t, got.AccessCount)
}

func TestWrite_ReplacesAndResetsAccess(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.Write(ctx, testEntry("k1", "https://x", baseTime, time.Hour)))
	require.NoError(t, s.Touch(ctx, "k1", baseTime.Add(time.Second)))

	replacement := testEntry("k1", "https://x", baseTime.Add(time.Minute), time.Hour)
	replacement.Payload = []byte(`[]`)
	require.NoError(t, s.Write(ctx, replacement))

	got, ok, err := s.Read(ctx, "k1", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`[]`), got.Payload)
	assert.Zero(t, got.AccessCount)

	agg, err := s.Aggregate(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.Total)
}

func TestWrite_RejectsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	tests := []struct {
		name  string
		entry Entry
	}{
		{name: "missing key", entry: testEntry("", "https://x", baseTime, time.Hour)},
		{name: "zero ttl", entry: testEntry("k", "https://x", baseTime, 0)},
		{name: "negative ttl", entry: testEntry("k", "https://x", baseTime, -time.Hour)},
		{name: "expiry past representable range", entry: testEntry("k", "https://x", baseTime, 250*365*24*time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Write(ctx, tt.entry)
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
		})
	}
}

func TestRead_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	e := testEntry("k1", "https://x", baseTime, time.Hour)
	require.NoError(t, s.Write(ctx, e))

	_, ok, err := s.Read(ctx, "k1", e.ExpiresAt.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.Read(ctx, "k1", e.ExpiresAt)
	require.NoError(t, err)
	assert.False(t, ok, "entry is expired at exactly expiresAt")

	// Reading an expired entry does not remove it.
	agg, err := s.Aggregate(ctx, e.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.Total)
	assert.Equal(t, int64(1), agg.Expired)
}

func TestRead_Missing(t *testing.T) {
	s := setupTestStore(t)

	_, ok, err := s.Read(context.Background(), "absent", baseTime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRead_ChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.Write(ctx, testEntry("k1", "https://x", baseTime, time.Hour)))
	_, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET payload = ? WHERE cache_key = ?`, []byte("tampered"), "k1")
	require.NoError(t, err)

	_, ok, err := s.Read(ctx, "k1", baseTime)
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrEntryCorrupted))
	assert.Equal(t, CodeEntryCorrupted, errors.GetCode(err))
	assert.False(t, IsCorrupted(err))
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.Write(ctx, testEntry("k1", "https://x", baseTime, time.Hour)))
	require.NoError(t, s.Touch(ctx, "k1", baseTime.Add(time.Minute)))
	require.NoError(t, s.Touch(ctx, "k1", baseTime.Add(2*time.Minute)))
	require.NoError(t, s.Touch(ctx, "absent", baseTime))

	got, ok, err := s.Read(ctx, "k1", baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.True(t, baseTime.Add(2*time.Minute).Equal(got.LastAccessedAt))
}

func TestDelete_Filters(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) *Store {
		s := setupTestStore(t)
		require.NoError(t, s.Write(ctx, testEntry("a1", "https://a", baseTime, time.Minute)))
		require.NoError(t, s.Write(ctx, testEntry("a2", "https://a", baseTime, time.Hour)))
		require.NoError(t, s.Write(ctx, testEntry("b1", "https://b", baseTime, time.Minute)))
		return s
	}

	tests := []struct {
		name    string
		filter  Filter
		removed int64
		remains []string
	}{
		{name: "by key", filter: ByKey("a1"), removed: 1, remains: []string{"a2", "b1"}},
		{name: "by source", filter: BySource("https://a"), removed: 2, remains: []string{"b1"}},
		{name: "expired at boundary", filter: ExpiredAsOf(baseTime.Add(time.Minute)), removed: 2, remains: []string{"a2"}},
		{name: "expired before boundary", filter: ExpiredAsOf(baseTime), removed: 0, remains: []string{"a1", "a2", "b1"}},
		{name: "all", filter: All(), removed: 3},
		{name: "unknown key", filter: ByKey("zzz"), removed: 0, remains: []string{"a1", "a2", "b1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seed(t)

			removed, err := s.Delete(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.removed, removed)

			listings, err := s.List(ctx, baseTime)
			require.NoError(t, err)
			keys := make([]string, 0, len(listings))
			for _, l := range listings {
				keys = append(keys, l.Key)
			}
			assert.ElementsMatch(t, tt.remains, keys)
		})
	}
}

func TestDelete_ZeroFilter(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Delete(context.Background(), Filter{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	empty, err := s.Aggregate(ctx, baseTime)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.True(t, empty.Oldest.IsZero())
	assert.Nil(t, empty.MostAccessed)
	assert.Positive(t, empty.SizeBytes)

	require.NoError(t, s.Write(ctx, testEntry("old", "https://a", baseTime, time.Minute)))
	require.NoError(t, s.Write(ctx, testEntry("new", "https://b", baseTime.Add(time.Hour), time.Hour)))
	require.NoError(t, s.Touch(ctx, "new", baseTime.Add(time.Hour)))

	agg, err := s.Aggregate(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Total)
	assert.Equal(t, int64(1), agg.Expired)
	assert.True(t, baseTime.Equal(agg.Oldest))
	assert.True(t, baseTime.Add(time.Hour).Equal(agg.Newest))
	require.NotNil(t, agg.MostAccessed)
	assert.Equal(t, "new", agg.MostAccessed.Key)
	assert.Equal(t, "https://b", agg.MostAccessed.SourceID)
	assert.Equal(t, int64(1), agg.MostAccessed.AccessCount)
}

func TestList_OrderAndStatus(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.Write(ctx, testEntry("first", "https://a", baseTime, time.Minute)))
	require.NoError(t, s.Write(ctx, testEntry("second", "https://a", baseTime.Add(time.Second), time.Hour)))

	listings, err := s.List(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, listings, 2)

	assert.Equal(t, "second", listings[0].Key)
	assert.Equal(t, StatusValid, listings[0].Status)
	assert.Equal(t, "first", listings[1].Key)
	assert.Equal(t, StatusExpired, listings[1].Status)
	assert.Positive(t, listings[0].Size)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Available())

	_, _, err := s.Read(ctx, "k", baseTime)
	require.Error(t, err)
	assert.False(t, IsCorrupted(err), "a closed handle says nothing about the file")
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))
	assert.True(t, errors.Is(err, ErrNotOpen))

	err = s.Write(ctx, testEntry("k", "https://x", baseTime, time.Hour))
	assert.True(t, errors.Is(err, ErrNotOpen))
	assert.False(t, IsCorrupted(err))

	_, err = s.Delete(ctx, All())
	assert.True(t, errors.Is(err, ErrNotOpen))
	assert.False(t, IsCorrupted(err))
}

func TestInitialize_GarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poll_cache.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a sqlite file "), 512), 0o644))

	s, err := New(Config{Path: path})
	require.NoError(t, err)

	err = s.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, IsCorrupted(err), "got %v", err)
	assert.False(t, errors.IsRetryable(err))
	assert.False(t, s.Available())
}

func TestInitialize_NewerSchemaVersion(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, err := s.db.ExecContext(ctx, `PRAGMA user_version = 99`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Initialize(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.CodeSchemaVersionIncompatible, errors.GetCode(err))
}

func TestWrite_LockedByAnotherConnection(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "poll_cache.db")

	s, err := New(Config{Path: path, BusyTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	t.Cleanup(func() { _ = s.Close() })

	other, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	conn, err := other.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = conn.ExecContext(ctx, `BEGIN IMMEDIATE`)
	require.NoError(t, err)

	err = s.Write(ctx, testEntry("k", "https://x", baseTime, time.Hour))
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))
	assert.True(t, errors.IsRetryable(err))
	assert.False(t, IsCorrupted(err))

	// Readers are not blocked by a reserved lock.
	_, found, err := s.Read(ctx, "k", baseTime)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = conn.ExecContext(ctx, `ROLLBACK`)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, testEntry("k", "https://x", baseTime, time.Hour)))
}
