package local

import (
	"github.com/pulsewire/inference-router/internal/backend"
)

// statusError wraps a non-2xx response, truncating the body for logs.
func statusError(code int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return &backend.StatusError{Code: code, Body: snippet}
}
