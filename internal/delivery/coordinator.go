// Package delivery implements the two-phase publish protocol: a provisional
// payload goes out synchronously on the caller's path, then a background
// enrichment pass edits the publication in place when the router completes
// or the enrichment deadline passes.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsewire/inference-router/internal/domain"
)

// Phase is the delivery state of one ticket. Transitions are monotonic.
type Phase string

const (
	// PhaseProvisional: the fast local payload has been published.
	PhaseProvisional Phase = "provisional"

	// PhaseEnriching: the background router call is in flight.
	PhaseEnriching Phase = "enriching"

	// PhaseFinal: the enriched edit has been published.
	PhaseFinal Phase = "final"

	// PhaseTimedOut: enrichment missed its deadline; a degraded edit
	// was published.
	PhaseTimedOut Phase = "timed_out"

	// PhaseFailed: enrichment failed terminally; a degraded edit was
	// published.
	PhaseFailed Phase = "failed"
)

// rank orders phases for the monotonic-transition guard.
func (p Phase) rank() int {
	switch p {
	case PhaseProvisional:
		return 0
	case PhaseEnriching:
		return 1
	case PhaseFinal, PhaseTimedOut, PhaseFailed:
		return 2
	}
	return -1
}

// Sink is the external publish channel. Both calls are best-effort: the
// coordinator logs failures and moves on.
type Sink interface {
	// Publish posts content and returns a handle for later edits.
	Publish(ctx context.Context, content string) (string, error)

	// Edit replaces the content behind a previously returned handle.
	Edit(ctx context.Context, handle string, content string) error
}

// Enricher is the router surface the coordinator drives.
type Enricher interface {
	Route(ctx context.Context, req *domain.Request) (*domain.Payload, error)
}

// Ticket is one caller-visible unit of work across both delivery phases.
type Ticket struct {
	ID          string
	Provisional string
	CreatedAt   time.Time

	mu     sync.Mutex
	phase  Phase
	handle string
}

// Phase returns the ticket's current phase.
func (t *Ticket) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// advance moves the ticket forward; regressions and repeat terminals are
// refused.
func (t *Ticket) advance(next Phase) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if next.rank() <= t.phase.rank() {
		return false
	}
	t.phase = next
	return true
}

const degradedAnnotation = "\n\n_analysis unavailable_"

// Coordinator runs the two-phase protocol. One background goroutine exists
// per ticket, bounded by the enrichment deadline.
type Coordinator struct {
	enricher Enricher
	deadline time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates a coordinator with the given enrichment deadline.
func New(enricher Enricher, enrichmentDeadline time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		enricher: enricher,
		deadline: enrichmentDeadline,
		logger:   logger,
	}
}

// Begin publishes the provisional payload synchronously, then schedules the
// background enrichment. It returns after the provisional publish has
// completed, which is what guarantees provisional-before-final ordering.
//
// A failed provisional publish is logged and does not stop enrichment: the
// sink may recover by the time the edit lands.
func (c *Coordinator) Begin(ctx context.Context, req *domain.Request, provisional string, sink Sink) *Ticket {
	t := &Ticket{
		ID:          uuid.New().String(),
		Provisional: provisional,
		CreatedAt:   time.Now(),
		phase:       PhaseProvisional,
	}

	handle, err := sink.Publish(ctx, provisional)
	if err != nil {
		c.logger.Error("provisional publish failed",
			slog.String("ticket", t.ID),
			slog.String("error", err.Error()))
	}
	t.handle = handle

	c.wg.Add(1)
	go c.enrich(context.WithoutCancel(ctx), t, req, sink)
	return t
}

// Wait blocks until every in-flight enrichment has finished. Used on
// shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) enrich(ctx context.Context, t *Ticket, req *domain.Request, sink Sink) {
	defer c.wg.Done()

	if !t.advance(PhaseEnriching) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	derived := *req
	derived.Text = "Give a concise analysis of the likely impact of this item:\n\n" + req.Text
	derived.Deadline = time.Now().Add(c.deadline)

	payload, err := c.enricher.Route(ctx, &derived)

	var content string
	switch {
	case err == nil:
		t.advance(PhaseFinal)
		content = t.Provisional + "\n\n" + payload.Text
	case domain.KindOf(err) == domain.ErrorKindDeadlineExceeded,
		errors.Is(err, context.DeadlineExceeded):
		t.advance(PhaseTimedOut)
		content = t.Provisional + degradedAnnotation
	default:
		t.advance(PhaseFailed)
		content = t.Provisional + degradedAnnotation
	}

	if err != nil {
		c.logger.Warn("enrichment did not complete",
			slog.String("ticket", t.ID),
			slog.String("phase", string(t.Phase())),
			slog.String("error", err.Error()))
	}

	if t.handle == "" {
		// Provisional publish never landed; there is nothing to edit.
		return
	}
	// The enrichment context may already be expired; the edit gets its own
	// short budget.
	editCtx, editCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer editCancel()
	if editErr := sink.Edit(editCtx, t.handle, content); editErr != nil {
		c.logger.Error("enrichment edit failed",
			slog.String("ticket", t.ID),
			slog.String("error", editErr.Error()))
	}
}
