// Package local is the transport client for the on-device inference tier,
// an Ollama-style HTTP server on loopback. It also implements the
// accelerator lifecycle hooks: waiting for in-flight generations to drain
// and asking the server to release its cached model memory.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const defaultBaseURL = "http://127.0.0.1:11434"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBufferRetainer registers a sink for raw response bodies. The reclaim
// manager uses it to hold the transient buffers it drops on its next pass.
func WithBufferRetainer(retain func([]byte)) ClientOption {
	return func(c *Client) {
		c.retain = retain
	}
}

// Client is the HTTP client for the local inference server.
type Client struct {
	model      string
	baseURL    string
	httpClient *http.Client
	retain     func([]byte)
	inflight   atomic.Int64
}

// NewClient creates a client for the given local model.
func NewClient(model string, opts ...ClientOption) *Client {
	c := &Client{
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Stream    bool   `json:"stream"`
	KeepAlive *int   `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate issues one non-streaming generation call.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	body, err := json.Marshal(&generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := c.post(ctx, body)
	if err != nil {
		return "", err
	}
	if c.retain != nil {
		c.retain(respBody)
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.Response, nil
}

// WaitIdle blocks until there are no in-flight generations or ctx ends.
func (c *Client) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReleaseMemory asks the server to unload the model immediately by sending
// an empty generation with keep_alive zero.
func (c *Client) ReleaseMemory(ctx context.Context) error {
	zero := 0
	body, err := json.Marshal(&generateRequest{
		Model:     c.model,
		Stream:    false,
		KeepAlive: &zero,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal release request: %w", err)
	}
	_, err = c.post(ctx, body)
	return err
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}
	return respBody, nil
}
