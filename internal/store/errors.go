package store

import (
	"context"
	"strings"

	"github.com/jmgilman/go/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	// CodeCorrupted marks a backing file that can no longer be used and
	// must be rebuilt. It is permanent: retrying without repair cannot help.
	CodeCorrupted errors.ErrorCode = "STORE_CORRUPTED"

	// CodeEntryCorrupted marks a single row whose payload no longer matches
	// its checksum. The rest of the store is usable.
	CodeEntryCorrupted errors.ErrorCode = "ENTRY_CORRUPTED"
)

var (
	// ErrNotOpen is returned by every operation while the store has no open
	// handle, for example while a repair swaps the file. It is retryable and
	// never triggers a repair: the file behind a closed handle may be healthy.
	ErrNotOpen = errors.New(errors.CodeUnavailable, "cache store is not open")

	// ErrEntryCorrupted is returned by Read when a payload fails checksum
	// verification.
	ErrEntryCorrupted = errors.New(CodeEntryCorrupted, "cache entry checksum mismatch")
)

// IsCorrupted reports whether err requires the backing file to be rebuilt.
func IsCorrupted(err error) bool {
	return errors.GetCode(err) == CodeCorrupted
}

// classify maps a driver error onto the cache error taxonomy.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}

	var platformErr errors.PlatformError
	if errors.As(err, &platformErr) {
		return errors.Wrap(err, platformErr.Code(), msg)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.WithClassification(
			errors.Wrap(err, errors.CodeTimeout, msg),
			errors.ClassificationPermanent,
		)
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return errors.Wrap(err, errors.CodeUnavailable, msg)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return errors.Wrap(err, CodeCorrupted, msg)
		case sqlite3.SQLITE_PERM, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_AUTH, sqlite3.SQLITE_CANTOPEN:
			return errors.Wrap(err, errors.CodeForbidden, msg)
		}
	}

	// Some failures surface from the driver as plain errors.
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "database is locked"), strings.Contains(text, "database table is locked"):
		return errors.Wrap(err, errors.CodeUnavailable, msg)
	case strings.Contains(text, "file is not a database"), strings.Contains(text, "malformed"):
		return errors.Wrap(err, CodeCorrupted, msg)
	case strings.Contains(text, "readonly database"), strings.Contains(text, "unable to open database"):
		return errors.Wrap(err, errors.CodeForbidden, msg)
	}

	return errors.WithClassification(
		errors.Wrap(err, errors.CodeDatabase, msg),
		errors.ClassificationPermanent,
	)
}
