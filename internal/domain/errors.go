package domain

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes a routing failure.
type ErrorKind string

const (
	// ErrorKindOverloaded indicates the adapter's concurrency limit was
	// hit and the call could not be admitted before the deadline.
	ErrorKindOverloaded ErrorKind = "overloaded"

	// ErrorKindBackendUnavailable indicates the breaker was open or the
	// quota exhausted; no call was attempted.
	ErrorKindBackendUnavailable ErrorKind = "backend_unavailable"

	// ErrorKindTransport indicates a network or timeout failure from an
	// attempted call.
	ErrorKindTransport ErrorKind = "transport_failure"

	// ErrorKindDeadlineExceeded indicates the caller deadline passed
	// before or during dispatch.
	ErrorKindDeadlineExceeded ErrorKind = "deadline_exceeded"

	// ErrorKindAllBackendsUnavailable is terminal: no candidate
	// succeeded, or none were eligible.
	ErrorKindAllBackendsUnavailable ErrorKind = "all_backends_unavailable"
)

// RouteError is the canonical error surfaced by adapters and the router.
type RouteError struct {
	// Kind is the failure category.
	Kind ErrorKind

	// Backend names the backend involved, when there is one.
	Backend string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Backend, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *RouteError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure may succeed on another backend.
// Terminal kinds end the routing attempt entirely.
func (e *RouteError) Retryable() bool {
	switch e.Kind {
	case ErrorKindDeadlineExceeded, ErrorKindAllBackendsUnavailable:
		return false
	}
	return true
}

// NewRouteError creates a routing error of the given kind.
func NewRouteError(kind ErrorKind, message string) *RouteError {
	return &RouteError{Kind: kind, Message: message}
}

// WithBackend attaches the backend name to the error.
func (e *RouteError) WithBackend(backend string) *RouteError {
	e.Backend = backend
	return e
}

// WithCause attaches an underlying error.
func (e *RouteError) WithCause(cause error) *RouteError {
	e.Cause = cause
	return e
}

// Convenience constructors for the common kinds.

// ErrOverloaded creates an overloaded error for a backend.
func ErrOverloaded(backend, message string) *RouteError {
	return NewRouteError(ErrorKindOverloaded, message).WithBackend(backend)
}

// ErrBackendUnavailable creates a backend-unavailable error.
func ErrBackendUnavailable(backend, message string) *RouteError {
	return NewRouteError(ErrorKindBackendUnavailable, message).WithBackend(backend)
}

// ErrTransport creates a transport failure for a backend.
func ErrTransport(backend string, cause error) *RouteError {
	return NewRouteError(ErrorKindTransport, cause.Error()).WithBackend(backend).WithCause(cause)
}

// ErrDeadlineExceeded creates a terminal deadline error.
func ErrDeadlineExceeded(message string) *RouteError {
	return NewRouteError(ErrorKindDeadlineExceeded, message)
}

// ErrAllBackendsUnavailable creates the terminal no-candidate error.
func ErrAllBackendsUnavailable(message string) *RouteError {
	return NewRouteError(ErrorKindAllBackendsUnavailable, message)
}

// KindOf extracts the error kind from err, or empty when err is not a
// RouteError.
func KindOf(err error) ErrorKind {
	var re *RouteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
