package store

// schemaVersion is written to PRAGMA user_version. Files carrying a newer
// version are refused rather than rewritten.
const schemaVersion = 1

// Timestamps are UTC Unix nanoseconds supplied by the caller; the schema never
// relies on CURRENT_TIMESTAMP.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
                cache_key TEXT PRIMARY KEY,
                payload BLOB NOT NULL,
                encoding TEXT NOT NULL,
                checksum TEXT NOT NULL,
                source_id TEXT NOT NULL,
                params_json TEXT NOT NULL,
                created_at INTEGER NOT NULL,
                expires_at INTEGER NOT NULL,
                access_count INTEGER NOT NULL DEFAULT 0,
                last_accessed_at INTEGER NOT NULL,
                CHECK (expires_at > created_at)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);`,
	`PRAGMA user_version = 1;`,
}

const entryColumns = `cache_key, payload, encoding, checksum, source_id, params_json,
        created_at, expires_at, access_count, last_accessed_at`

const upsertEntry = `INSERT INTO cache_entries (` + entryColumns + `)
        VALUES (:cache_key, :payload, :encoding, :checksum, :source_id, :params_json,
                :created_at, :expires_at, 0, :created_at)
        ON CONFLICT(cache_key) DO UPDATE SET
                payload = excluded.payload,
                encoding = excluded.encoding,
                checksum = excluded.checksum,
                source_id = excluded.source_id,
                params_json = excluded.params_json,
                created_at = excluded.created_at,
                expires_at = excluded.expires_at,
                access_count = 0,
                last_accessed_at = excluded.last_accessed_at;`

const selectLiveEntry = `SELECT ` + entryColumns + `
        FROM cache_entries WHERE cache_key = ? AND expires_at > ?`

const touchEntry = `UPDATE cache_entries
        SET access_count = access_count + 1, last_accessed_at = ?
        WHERE cache_key = ?`

const selectCounts = `SELECT
                COUNT(*) AS total,
                COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) AS expired,
                MIN(created_at) AS oldest,
                MAX(created_at) AS newest
        FROM cache_entries`

const selectMostAccessed = `SELECT cache_key, source_id, access_count, last_accessed_at
        FROM cache_entries
        ORDER BY access_count DESC, last_accessed_at DESC
        LIMIT 1`

const selectListings = `SELECT cache_key, source_id, params_json, encoding,
                created_at, expires_at, access_count, last_accessed_at,
                length(payload) AS size
        FROM cache_entries
        ORDER BY created_at DESC, cache_key`
