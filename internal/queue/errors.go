package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no mutation exists for an id.
	ErrNotFound = errors.New("queue: mutation not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the mutation's current status.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
)

// QuotaError is returned when a write still exceeds the storage quota after
// the queue trimmed old entries and retried once.
type QuotaError struct {
	MutationID string
	Trimmed    int // entries evicted before the retry
	Err        error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded writing mutation %s (trimmed %d entries): %v",
		e.MutationID, e.Trimmed, e.Err)
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

// IsQuotaError reports whether err is a *QuotaError.
// Uses errors.As to handle wrapped errors.
func IsQuotaError(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

func transitionError(id string, from, to Status) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
}
