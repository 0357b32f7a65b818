package backend

import (
	"fmt"
	"net/http"
	"time"
)

// StatusError reports a non-2xx response from a backend transport.
type StatusError struct {
	// Code is the HTTP status code.
	Code int

	// Body is a truncated snippet of the response body for logs.
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("backend returned status %d", e.Code)
}

// Overloaded reports whether the status is a backend overload signal that
// warrants a backed-off retry.
func (e *StatusError) Overloaded() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// NewPooledClient returns an HTTP client that reuses connections across
// calls. Timeout here is a transport-level ceiling; per-attempt deadlines
// come from the adapter's context.
func NewPooledClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
