package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/pollcache"
)

func seedCache(t *testing.T, path string) {
	t.Helper()

	ctx := context.Background()
	cache, err := pollcache.Open(ctx, pollcache.Config{Path: path})
	require.NoError(t, err)
	defer cache.Close()

	for i, src := range []string{"https://a", "https://a", "https://b"} {
		ok, err := cache.Set(ctx, src, pollcache.Records{{"Con": 25.0}}, map[string]any{"n": i}, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "usage: pollcache")

	code, _, _ = runCLI(t, "-db", filepath.Join(t.TempDir(), "c.db"), "compact")
	assert.Equal(t, exitUsage, code)

	code, _, _ = runCLI(t, "-nope")
	assert.Equal(t, exitUsage, code)
}

func TestRun_Stats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poll_cache.db")
	seedCache(t, path)

	code, stdout, _ := runCLI(t, "-db", path, "stats")
	require.Equal(t, exitOK, code)

	var stats pollcache.Stats
	require.NoError(t, json.Unmarshal([]byte(stdout), &stats))
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.True(t, stats.StoreAvailable)
	assert.Contains(t, stdout, `"activity"`)
	assert.Contains(t, stdout, `"avg_latency_ns"`)
}

func TestRun_List(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poll_cache.db")
	seedCache(t, path)

	code, stdout, _ := runCLI(t, "-db", path, "list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "KEY")
	assert.Contains(t, stdout, "https://b")
	assert.Contains(t, stdout, "valid")
}

func TestRun_InvalidateAndCleanup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poll_cache.db")
	seedCache(t, path)

	code, stdout, _ := runCLI(t, "-db", path, "invalidate", "-source", "https://a")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "removed 2 entries\n", stdout)

	code, stdout, _ = runCLI(t, "-db", path, "cleanup")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "removed 0 expired entries\n", stdout)

	code, stdout, _ = runCLI(t, "-db", path, "invalidate")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "removed 1 entries\n", stdout)
}

func TestRun_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	seedCache(t, filepath.Join(dir, "polls.db"))
	file := filepath.Join(dir, "pollcache.yaml")
	require.NoError(t, os.WriteFile(file, []byte("path: polls.db\n"), 0o644))

	code, stdout, _ := runCLI(t, "-config", file, "stats")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, `"total_entries": 3`)

	require.NoError(t, os.WriteFile(file, []byte("path: polls.db\ncompression: lz4\n"), 0o644))
	code, _, stderr := runCLI(t, "-config", file, "stats")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "Error:")
}
