// Package backend wraps each inference backend behind a uniform Adapter.
// The wrapper owns the per-backend concurrency bound, retry with backoff,
// and health-tracker feedback; the transport clients underneath only know
// how to issue one raw call.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pulsewire/inference-router/internal/domain"
)

// Adapter is the uniform call surface the router dispatches through.
type Adapter interface {
	// Name identifies the backend.
	Name() string

	// Descriptor returns the backend's static configuration.
	Descriptor() domain.BackendDescriptor

	// Call issues the request, bounded by the backend timeout and the
	// request deadline carried in ctx.
	Call(ctx context.Context, req *domain.Request) (*domain.Payload, error)
}

// Caller issues one raw call to a backend transport. Implementations own
// their provider's payload schema.
type Caller interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// HealthRecorder is the tracker surface the adapter feeds.
type HealthRecorder interface {
	RecordSuccess(backend string)
	RecordFailure(backend string)
}

// Reclaimer is consulted after local-tier calls to reclaim accelerator
// memory.
type Reclaimer interface {
	MaybeReclaim(ctx context.Context, force bool) bool
}

// AdapterOption configures the wrapper.
type AdapterOption func(*adapter)

// WithReclaimer wires an accelerator reclaimer; used by the local tier.
func WithReclaimer(r Reclaimer) AdapterOption {
	return func(a *adapter) {
		a.reclaimer = r
	}
}

type adapter struct {
	desc      domain.BackendDescriptor
	caller    Caller
	health    HealthRecorder
	backoff   BackoffPolicy
	sem       *semaphore.Weighted
	logger    *slog.Logger
	reclaimer Reclaimer
}

// Wrap builds an Adapter around a raw transport caller.
func Wrap(desc domain.BackendDescriptor, caller Caller, health HealthRecorder, backoff BackoffPolicy, logger *slog.Logger, opts ...AdapterOption) Adapter {
	a := &adapter{
		desc:    desc,
		caller:  caller,
		health:  health,
		backoff: backoff,
		sem:     semaphore.NewWeighted(desc.MaxConcurrent),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *adapter) Name() string {
	return a.desc.Name
}

func (a *adapter) Descriptor() domain.BackendDescriptor {
	return a.desc
}

func (a *adapter) Call(ctx context.Context, req *domain.Request) (*domain.Payload, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		routeErr := domain.ErrOverloaded(a.desc.Name, "concurrency limit reached before deadline").WithCause(err)
		a.terminalFailure(ctx, routeErr)
		return nil, routeErr
	}
	defer a.sem.Release(1)

	payload, err := a.callWithRetry(ctx, req)
	if err != nil {
		a.terminalFailure(ctx, err)
		return nil, err
	}

	a.health.RecordSuccess(a.desc.Name)
	if a.reclaimer != nil {
		a.reclaimer.MaybeReclaim(ctx, false)
	}
	return payload, nil
}

// callWithRetry attempts the raw call up to the retry budget, backing off
// between attempts. Retries stop early when the ctx deadline would pass
// before the next attempt.
func (a *adapter) callWithRetry(ctx context.Context, req *domain.Request) (*domain.Payload, error) {
	var lastErr error
	for attempt := 0; attempt < a.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := a.backoff.Delay(attempt)
			if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return nil, domain.ErrTransport(a.desc.Name, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, a.desc.Timeout)
		text, err := a.caller.Generate(attemptCtx, req.Text)
		cancel()

		if err == nil {
			return &domain.Payload{Text: text, Backend: a.desc.Name}, nil
		}
		lastErr = err

		if !retryable(err) {
			break
		}
		a.logger.Warn("backend call failed, retrying",
			slog.String("backend", a.desc.Name),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return nil, domain.ErrTransport(a.desc.Name, lastErr)
}

// terminalFailure records the failure and, on the local tier, forces an
// accelerator reclaim pass.
func (a *adapter) terminalFailure(ctx context.Context, err error) {
	a.health.RecordFailure(a.desc.Name)
	a.logger.Error("backend call failed",
		slog.String("backend", a.desc.Name),
		slog.String("error", err.Error()))
	if a.reclaimer != nil {
		a.reclaimer.MaybeReclaim(ctx, true)
	}
}

// retryable reports whether err is a backend overload signal or a transient
// transport error worth another attempt. Context cancellation and non-5xx
// API rejections are not retried.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Overloaded()
	}
	return true
}
