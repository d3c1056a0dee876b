// Package remote provides an HTTP client for the hosted relational backend
// (PostgREST dialect) with retry, rate limiting, and error classification.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrConflict) to check.
var (
	ErrBadRequest    = errors.New("remote: bad request")
	ErrUnauthorized  = errors.New("remote: unauthorized")
	ErrForbidden     = errors.New("remote: forbidden")
	ErrNotFound      = errors.New("remote: not found")
	ErrConflict      = errors.New("remote: conflict")
	ErrUnprocessable = errors.New("remote: unprocessable entity")
	ErrThrottled     = errors.New("remote: throttled")
	ErrServerError   = errors.New("remote: server error")
)

// PostgreSQL error codes the backend passes through in its error body.
const (
	pgUniqueViolation        = "23505"
	pgSerializationFailure   = "40001"
	pgForeignKeyViolation    = "23503"
	statusBandwidthExhausted = 509
)

// Error wraps a sentinel error with the HTTP status, the backend error code,
// request ID, and message for debugging.
type Error struct {
	StatusCode int
	Code       string
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}

	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, msg)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify maps an HTTP status and backend error code to a sentinel error.
// Returns nil for 2xx success codes.
func classify(status int, code string) error {
	// Concurrency violations surface with different statuses depending on
	// the proxy in front of the database; the error code is authoritative.
	if code == pgUniqueViolation || code == pgSerializationFailure {
		return ErrConflict
	}

	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		if code == pgForeignKeyViolation {
			return ErrUnprocessable
		}

		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if status >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried
// at the HTTP layer.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		statusBandwidthExhausted:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err means the request can never succeed as
// written, so retrying it later is pointless.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnprocessable)
}
