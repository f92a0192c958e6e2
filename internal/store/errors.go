package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record or lease does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrQuotaExceeded is returned when a write would exceed the storage quota.
	// The write is not applied.
	ErrQuotaExceeded = errors.New("store: quota exceeded")

	// ErrUnknownNamespace is returned for namespaces outside the fixed layout.
	ErrUnknownNamespace = errors.New("store: unknown namespace")

	// ErrUnknownIndex is returned when a namespace does not declare the index.
	ErrUnknownIndex = errors.New("store: unknown index")

	// ErrGuardFailed is returned when a conditional batch write finds its
	// guard unmet. Nothing is written.
	ErrGuardFailed = errors.New("store: guard failed")
)

// IsQuotaExceeded reports whether err signals storage exhaustion.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// translateFull maps SQLITE_FULL to ErrQuotaExceeded and passes other errors through.
func translateFull(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return ErrQuotaExceeded
	}
	return err
}
