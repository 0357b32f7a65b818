package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pulsewire/inference-router/internal/delivery"
	"github.com/pulsewire/inference-router/internal/domain"
	"github.com/pulsewire/inference-router/internal/health"
)

// HealthSnapshotter is the tracker surface the health endpoint reads.
type HealthSnapshotter interface {
	Snapshot() map[string]health.BackendHealth
}

// Handler serves the analyze and health endpoints.
type Handler struct {
	coordinator *delivery.Coordinator
	sink        delivery.Sink
	tracker     HealthSnapshotter
}

// NewHandler creates the handler.
func NewHandler(coordinator *delivery.Coordinator, sink delivery.Sink, tracker HealthSnapshotter) *Handler {
	return &Handler{coordinator: coordinator, sink: sink, tracker: tracker}
}

// analyzeRequest is the wire form of one analysis request from the
// upstream scoring pipeline.
type analyzeRequest struct {
	Text        string `json:"text"`
	Partition   string `json:"partition,omitempty"`
	Priority    string `json:"priority,omitempty"`
	DeadlineMS  int64  `json:"deadline_ms,omitempty"`
	Provisional string `json:"provisional"`
}

type analyzeResponse struct {
	TicketID string `json:"ticket_id"`
	Phase    string `json:"phase"`
}

// HandleAnalyze publishes the provisional payload and schedules enrichment.
// It responds as soon as the provisional publish completes.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Provisional == "" {
		writeError(w, http.StatusBadRequest, "provisional is required")
		return
	}
	priority := domain.Priority(req.Priority)
	if req.Priority != "" && !priority.Valid() {
		writeError(w, http.StatusBadRequest, "priority must be high, normal, or low")
		return
	}

	routeReq := &domain.Request{
		Text:      req.Text,
		Partition: req.Partition,
		Priority:  priority,
	}
	if req.DeadlineMS > 0 {
		routeReq.Deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}

	ticket := h.coordinator.Begin(r.Context(), routeReq, req.Provisional, h.sink)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(&analyzeResponse{
		TicketID: ticket.ID,
		Phase:    string(ticket.Phase()),
	})
}

// HandleHealth reports per-backend breaker and quota state.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"backends": h.tracker.Snapshot(),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
