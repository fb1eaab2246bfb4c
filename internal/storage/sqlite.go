// Package storage opens the SQLite system of record and classifies driver
// errors into the platform error codes consumed by the retry layer.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	apperrors "fx_platform/pkg/errors"
)

// OpenEnd marks the open half of a half-open bitemporal interval. Rows with
// system_to or valid_to at OpenEnd are current.
var OpenEnd = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// ToMicros converts an instant to the integer microsecond form persisted in
// the time columns. The zero time maps to OpenEnd.
func ToMicros(t time.Time) int64 {
	if t.IsZero() {
		return OpenEnd.UnixMicro()
	}
	return t.UnixMicro()
}

// FromMicros converts a persisted time column back to a UTC instant.
func FromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// Open opens (creating if needed) the SQLite database in WAL mode with the
// configured busy timeout. Callers share one *sql.DB per process.
func Open(path string, busyTimeoutMs int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL keeps readers unblocked during the activateBatch transaction.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// IsBusy reports whether the error is a lock/busy conflict worth retrying.
func IsBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsConstraint reports whether the error is a unique or foreign key violation.
func IsConstraint(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Classify maps a driver error onto the platform error taxonomy: busy and
// locked conflicts are retryable deadlocks, constraint violations are not.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case IsBusy(err):
		return apperrors.Wrap(apperrors.CodeDBDeadlock, err)
	case IsConstraint(err):
		return apperrors.Wrap(apperrors.CodeConstraintViolation, err)
	case errors.Is(err, sql.ErrConnDone):
		return apperrors.Wrap(apperrors.CodeDBUnavailable, err)
	default:
		return apperrors.Wrap(apperrors.CodeDBUnavailable, err)
	}
}
