package engine

import (
	"errors"
	"fmt"
	"time"
)

// DrainError explains why a drain did not run or stopped early.
//
// Drain errors are not mutation failures: mutation outcomes are recorded as
// queue state transitions and never returned as errors.
type DrainError struct {
	// Code identifies the error category.
	Code DrainErrorCode

	// Message is a human-readable description.
	Message string

	// Owner is the lease holder, for lease errors.
	Owner string

	// Details contains additional context.
	Details map[string]string
}

// DrainErrorCode categorizes drain errors.
type DrainErrorCode string

const (
	// ErrCodeInProgress means a drain is already running in this process.
	ErrCodeInProgress DrainErrorCode = "DRAIN_IN_PROGRESS"

	// ErrCodeLeaseHeld means another process holds the drain lease.
	ErrCodeLeaseHeld DrainErrorCode = "LEASE_HELD"

	// ErrCodeLeaseLost means the lease expired or was taken mid-drain.
	ErrCodeLeaseLost DrainErrorCode = "LEASE_LOST"
)

// Error implements the error interface.
func (e *DrainError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("%s: %s (owner=%s)", e.Code, e.Message, e.Owner)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsInProgress returns true if a drain was skipped because one is running.
// Uses errors.As to handle wrapped errors.
func IsInProgress(err error) bool {
	return drainCode(err) == ErrCodeInProgress
}

// IsLeaseHeld returns true if another process holds the drain lease.
func IsLeaseHeld(err error) bool {
	return drainCode(err) == ErrCodeLeaseHeld
}

// IsLeaseLost returns true if the drain stopped because its lease was lost.
func IsLeaseLost(err error) bool {
	return drainCode(err) == ErrCodeLeaseLost
}

func drainCode(err error) DrainErrorCode {
	var de *DrainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func newInProgressError() *DrainError {
	return &DrainError{
		Code:    ErrCodeInProgress,
		Message: "a drain is already running",
	}
}

func newLeaseHeldError(owner string, expiresAt time.Time) *DrainError {
	return &DrainError{
		Code:    ErrCodeLeaseHeld,
		Message: "drain lease held by another process",
		Owner:   owner,
		Details: map[string]string{
			"expires_at": expiresAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func newLeaseLostError(owner string, processed int) *DrainError {
	return &DrainError{
		Code:    ErrCodeLeaseLost,
		Message: fmt.Sprintf("drain lease lost after %d mutations", processed),
		Owner:   owner,
	}
}

// PartialUploadError records an attachment that could not be uploaded.
// It never fails the owning mutation: the primary write proceeds without
// the attachment's URL.
type PartialUploadError struct {
	MutationID   string
	AttachmentID string
	Err          error
}

func (e *PartialUploadError) Error() string {
	return fmt.Sprintf("attachment %s of mutation %s not uploaded: %v", e.AttachmentID, e.MutationID, e.Err)
}

func (e *PartialUploadError) Unwrap() error {
	return e.Err
}

// IsPartialUpload returns true if err is a PartialUploadError.
func IsPartialUpload(err error) bool {
	var pe *PartialUploadError
	return errors.As(err, &pe)
}
