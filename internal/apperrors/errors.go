// Package apperrors provides the structured error taxonomy of a verification run.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrConfiguration = errors.New("configuration error")
	ErrAPI           = errors.New("api error")
	ErrAssertion     = errors.New("assertion failed")
	ErrTransport     = errors.New("transport error")
	ErrInternal      = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Field      string // For configuration errors (e.g., "bvt_hostname")
	StatusCode int    // For API errors
	Op         string // Operation that failed (e.g., "signalr.negotiate")
	Cause      error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// Configuration creates a configuration error for a specific setting.
func Configuration(field, message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  message,
		Field:    field,
	}
}

// API creates an error for a non-success response from the control plane.
// body is the raw response text.
func API(statusCode int, body string) error {
	return &Error{
		Sentinel:   ErrAPI,
		Message:    fmt.Sprintf("ApiError: Code = %d, Message = %s", statusCode, body),
		StatusCode: statusCode,
	}
}

// Assertion creates an assertion error describing an expected vs. observed mismatch.
func Assertion(message string) error {
	return &Error{
		Sentinel: ErrAssertion,
		Message:  message,
	}
}

// Transport creates a push-session fault wrapping an underlying cause.
func Transport(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransport,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// StatusCode returns the HTTP status carried by an API error, or 0.
func StatusCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) && errors.Is(appErr.Sentinel, ErrAPI) {
		return appErr.StatusCode
	}
	return 0
}
