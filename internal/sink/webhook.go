// Package sink provides publish-channel implementations for the delivery
// coordinator. Sinks are best-effort by contract; callers log failures and
// never retry through this package.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookOption configures the webhook sink.
type WebhookOption func(*Webhook)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) WebhookOption {
	return func(w *Webhook) {
		w.httpClient = httpClient
	}
}

// Webhook publishes to a notification channel over HTTP: POST creates a
// message and returns its id, PATCH on the id edits it in place.
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook creates a sink for the given channel URL.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type messageBody struct {
	Content string `json:"content"`
}

type messageResponse struct {
	ID string `json:"id"`
}

// Publish posts content and returns the created message id as the handle.
func (w *Webhook) Publish(ctx context.Context, content string) (string, error) {
	respBody, err := w.send(ctx, http.MethodPost, w.url, content)
	if err != nil {
		return "", err
	}
	var resp messageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse publish response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("publish response missing message id")
	}
	return resp.ID, nil
}

// Edit replaces the content of a previously published message.
func (w *Webhook) Edit(ctx context.Context, handle, content string) error {
	_, err := w.send(ctx, http.MethodPatch, w.url+"/"+handle, content)
	return err
}

func (w *Webhook) send(ctx context.Context, method, url, content string) ([]byte, error) {
	body, err := json.Marshal(&messageBody{Content: content})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return respBody, nil
}
