package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pulsewire/inference-router/internal/delivery"
	"github.com/pulsewire/inference-router/internal/domain"
	"github.com/pulsewire/inference-router/internal/health"
)

type stubEnricher struct{}

func (stubEnricher) Route(ctx context.Context, req *domain.Request) (*domain.Payload, error) {
	return &domain.Payload{Text: "enriched", Backend: "local"}, nil
}

type memorySink struct {
	mu   sync.Mutex
	pubs []string
}

func (m *memorySink) Publish(ctx context.Context, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pubs = append(m.pubs, content)
	return "h-1", nil
}

func (m *memorySink) Edit(ctx context.Context, handle, content string) error {
	return nil
}

type stubTracker struct{}

func (stubTracker) Snapshot() map[string]health.BackendHealth {
	return map[string]health.BackendHealth{
		"local": {State: health.StateClosed},
	}
}

func newTestHandler() (*Handler, *memorySink, *delivery.Coordinator) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := delivery.New(stubEnricher{}, time.Second, logger)
	sink := &memorySink{}
	return NewHandler(coord, sink, stubTracker{}), sink, coord
}

func TestHandleAnalyze_PublishesProvisionalAndAccepts(t *testing.T) {
	h, sink, coord := newTestHandler()

	body := `{"text":"fed cuts rates","partition":"markets","provisional":"quick take"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleAnalyze(rec, req)
	coord.Wait()

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var resp analyzeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TicketID == "" {
		t.Error("ticket_id missing")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.pubs) != 1 || sink.pubs[0] != "quick take" {
		t.Errorf("publications = %v, want the provisional payload", sink.pubs)
	}
}

func TestHandleAnalyze_Validation(t *testing.T) {
	h, _, _ := newTestHandler()

	tests := []struct {
		name string
		body string
	}{
		{"missing text", `{"provisional":"x"}`},
		{"missing provisional", `{"text":"y"}`},
		{"bad priority", `{"text":"y","provisional":"x","priority":"urgent"}`},
		{"malformed json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.HandleAnalyze(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"local"`) {
		t.Error("health response missing backend state")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var captured string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	RequestIDMiddleware(inner).ServeHTTP(rec, req)

	if captured == "" {
		t.Error("request ID missing from context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != captured {
		t.Errorf("X-Request-ID header = %q, want %q", got, captured)
	}
}
