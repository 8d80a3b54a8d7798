// Package errors provides the error taxonomy shared by the session supervisor
// and its collaborators.
package errors

import (
	"errors"
	"fmt"
)

// Session lifecycle errors. None of them is fatal to the process; the
// supervisor recovers every one of them by backing off and reconnecting.
var (
	ErrAuth                = errors.New("credential acquisition failed")
	ErrConnect             = errors.New("session could not be opened")
	ErrProtocolTermination = errors.New("session terminated by peer")
	ErrStalenessDetected   = errors.New("no inbound activity within staleness window")
	ErrStorage             = errors.New("fact storage failure")
)

// Transient failure modes for HTTP collaborators.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
)

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// Outcome maps a session-ending error to a short label used in logs and
// metrics. A nil error means the peer closed the session cleanly.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrAuth):
		return "auth_failed"
	case errors.Is(err, ErrConnect):
		return "connect_failed"
	case errors.Is(err, ErrStalenessDetected):
		return "stale"
	case errors.Is(err, ErrProtocolTermination):
		return "terminated"
	default:
		return "error"
	}
}
