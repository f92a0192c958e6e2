package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoMatch means an update or delete matched no remote row, usually
// because the id was never assigned by the backend or the row is gone.
var ErrNoMatch = errors.New("no row matched")

// Kind classifies a gateway failure for the sync engine.
type Kind int

const (
	// Transient failures (timeouts, connection errors, 5xx, throttling)
	// are retried with backoff up to the retry bound.
	Transient Kind = iota

	// Auth failures (expired or invalid credentials) fail the mutation
	// immediately; the user must re-authenticate and retry.
	Auth

	// Rejected failures mean the backend refused the request itself
	// (constraint violation, bad payload). Retrying cannot help.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind       Kind
	Op         string // e.g. "insert jobs", "upload jobs/m-1/a.jpg"
	StatusCode int    // 0 when no response was received
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusKind maps an HTTP status code to a failure kind.
func StatusKind(code int) Kind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return Auth
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return Transient
	default:
		return Rejected
	}
}

// Classify returns the failure kind of err. Anything not already an *Error
// (deadline expiry, connection failures) is transient.
func Classify(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return Transient
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}

// IsAuth reports whether err is an authorization failure.
func IsAuth(err error) bool {
	return err != nil && Classify(err) == Auth
}

// IsRejected reports whether the backend refused the request.
func IsRejected(err error) bool {
	return err != nil && Classify(err) == Rejected
}

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
