// Package router orchestrates one analysis request: similarity-cache
// lookup, ordered backend selection, dispatch through the adapters, and
// cache population on success.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pulsewire/inference-router/internal/backend"
	"github.com/pulsewire/inference-router/internal/domain"
	"github.com/pulsewire/inference-router/internal/embedding"
	"github.com/pulsewire/inference-router/internal/simcache"
)

// HealthGate is the tracker surface the router consults before an attempt.
type HealthGate interface {
	IsAvailable(backend string) bool
	TryConsumeQuota(backend string) bool
	ReturnQuota(backend string)
}

// Outcome describes one completed Route call for the best-effort outcome
// log.
type Outcome struct {
	Partition string
	Backend   string
	CacheHit  bool
	Duration  time.Duration
	ErrorKind domain.ErrorKind
}

// Recorder persists outcomes. Implementations must be best-effort; Route
// never fails because of the recorder.
type Recorder interface {
	Record(ctx context.Context, o Outcome)
}

// Config holds the router's own knobs; everything per-backend lives in the
// adapters' descriptors.
type Config struct {
	// LocalMaxInputTokens gates the local tier: longer inputs go
	// straight to the cloud tiers.
	LocalMaxInputTokens int
}

// RouterOption configures the router.
type RouterOption func(*Router)

// WithRecorder wires the outcome recorder.
func WithRecorder(r Recorder) RouterOption {
	return func(rt *Router) {
		rt.recorder = r
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) RouterOption {
	return func(rt *Router) {
		rt.now = now
	}
}

// Router dispatches requests across the configured backends.
type Router struct {
	adapters []backend.Adapter
	health   HealthGate
	cache    *simcache.Cache
	embedder *embedding.Embedder
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a router. Adapters are reordered once at construction: the
// local tier first, then the rest in ascending cost order.
func New(adapters []backend.Adapter, health HealthGate, cache *simcache.Cache, embedder *embedding.Embedder, cfg Config, logger *slog.Logger, opts ...RouterOption) *Router {
	ordered := make([]backend.Adapter, len(adapters))
	copy(ordered, adapters)
	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := ordered[i].Descriptor(), ordered[j].Descriptor()
		if di.Local != dj.Local {
			return di.Local
		}
		return di.Tier < dj.Tier
	})

	r := &Router{
		adapters: ordered,
		health:   health,
		cache:    cache,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("inference-router/router"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route resolves one request: cache first, then backends in order, stopping
// at the first success. The returned error is always a *domain.RouteError.
func (r *Router) Route(ctx context.Context, req *domain.Request) (*domain.Payload, error) {
	ctx, span := r.tracer.Start(ctx, "router.Route",
		trace.WithAttributes(
			attribute.String("partition", req.Partition),
			attribute.String("priority", string(req.EffectivePriority())),
		))
	defer span.End()

	start := r.now()
	payload, err := r.route(ctx, req)

	o := Outcome{Partition: req.Partition, Duration: r.now().Sub(start)}
	if payload != nil {
		o.Backend = payload.Backend
		o.CacheHit = payload.FromCache
	}
	if err != nil {
		o.ErrorKind = domain.KindOf(err)
		span.SetAttributes(attribute.String("error_kind", string(o.ErrorKind)))
	}
	if r.recorder != nil {
		r.recorder.Record(ctx, o)
	}
	return payload, err
}

func (r *Router) route(ctx context.Context, req *domain.Request) (*domain.Payload, error) {
	if req.Expired(r.now()) {
		return nil, domain.ErrDeadlineExceeded("deadline passed before dispatch")
	}

	vec, err := r.embedder.Embed(req.Text)
	if err != nil {
		// Embedding failure only disables the cache; routing proceeds.
		r.logger.Warn("failed to embed request text", slog.String("error", err.Error()))
	}

	if vec != nil {
		if payload, ok := r.cache.Get(vec, req.Partition); ok {
			trace.SpanFromContext(ctx).AddEvent("cache_hit")
			return &payload, nil
		}
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	payload, err := r.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	if vec != nil {
		r.cache.Put(vec, *payload, req.Partition)
	}
	return payload, nil
}

// dispatch walks the candidate list in order, attempting each eligible
// backend until one succeeds. Low-priority requests stop after a single
// attempted call.
func (r *Router) dispatch(ctx context.Context, req *domain.Request) (*domain.Payload, error) {
	span := trace.SpanFromContext(ctx)
	attempted := 0

	for _, a := range r.adapters {
		if req.Expired(r.now()) {
			return nil, domain.ErrDeadlineExceeded(
				fmt.Sprintf("deadline passed after %d attempts", attempted))
		}
		if attempted >= 1 && req.EffectivePriority() == domain.PriorityLow {
			break
		}

		desc := a.Descriptor()
		if desc.Local && !r.localEligible(req) {
			continue
		}
		// Quota before breaker: a half-open probe admission must always
		// be followed by a real call, so the last pre-flight check is
		// the availability check.
		if desc.Metered && !r.health.TryConsumeQuota(desc.Name) {
			span.AddEvent("candidate_skipped", trace.WithAttributes(
				attribute.String("backend", desc.Name),
				attribute.String("reason", "quota_exhausted")))
			continue
		}
		if !r.health.IsAvailable(desc.Name) {
			if desc.Metered {
				r.health.ReturnQuota(desc.Name)
			}
			span.AddEvent("candidate_skipped", trace.WithAttributes(
				attribute.String("backend", desc.Name),
				attribute.String("reason", "breaker_open")))
			continue
		}

		attempted++
		span.AddEvent("candidate_attempt", trace.WithAttributes(
			attribute.String("backend", desc.Name)))

		payload, err := a.Call(ctx, req)
		if err == nil {
			return payload, nil
		}
		r.logger.Warn("candidate failed, advancing",
			slog.String("backend", desc.Name),
			slog.String("error", err.Error()))
	}

	if req.Expired(r.now()) {
		return nil, domain.ErrDeadlineExceeded(
			fmt.Sprintf("deadline passed after %d attempts", attempted))
	}
	return nil, domain.ErrAllBackendsUnavailable(
		fmt.Sprintf("no candidate succeeded (%d attempted)", attempted))
}

// localEligible gates the local tier on input length in tokens.
func (r *Router) localEligible(req *domain.Request) bool {
	if r.cfg.LocalMaxInputTokens <= 0 {
		return true
	}
	n, err := r.embedder.CountTokens(req.Text)
	if err != nil {
		return false
	}
	return n < r.cfg.LocalMaxInputTokens
}
