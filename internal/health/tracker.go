// Package health tracks per-backend circuit-breaker state and quota
// allowances. The tracker is the only component that mutates this state;
// adapters and the router consult it through the methods below.
package health

import (
	"sync"
	"time"

	"github.com/pulsewire/inference-router/internal/domain"
)

// CircuitState is the breaker state for one backend.
type CircuitState string

const (
	// StateClosed permits calls; failures are counted.
	StateClosed CircuitState = "closed"

	// StateOpen refuses calls until the cool-down elapses.
	StateOpen CircuitState = "open"

	// StateHalfOpen permits a single trial call at a time.
	StateHalfOpen CircuitState = "half_open"
)

// Config holds breaker thresholds and quota windows.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold int

	// SuccessThreshold is the consecutive-success count that closes the
	// breaker from half-open.
	SuccessThreshold int

	// Cooldown is how long an open breaker refuses calls before
	// permitting a half-open trial.
	Cooldown time.Duration
}

// QuotaConfig sets the metered allowance for one backend.
type QuotaConfig struct {
	// Allowance is the number of attempted calls permitted per window.
	Allowance int

	// Window is the reset period for the allowance.
	Window time.Duration
}

// TrackerOption configures the tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// breaker is the mutable circuit state for one backend. Guarded by its own
// mutex so backends never contend with each other.
type breaker struct {
	mu             sync.Mutex
	state          CircuitState
	failures       int
	successes      int
	lastTransition time.Time
	probeInFlight  bool
}

// quota is the mutable allowance state for one metered backend.
type quota struct {
	mu        sync.Mutex
	allowance int
	remaining int
	window    time.Duration
	resetAt   time.Time
}

// Tracker owns the breaker and quota state for every configured backend.
type Tracker struct {
	cfg      Config
	breakers map[string]*breaker
	quotas   map[string]*quota
	now      func() time.Time
}

// New creates a tracker for the given backends. Quotas are registered only
// for backends present in the quotas map.
func New(cfg Config, backends []domain.BackendDescriptor, quotas map[string]QuotaConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		breakers: make(map[string]*breaker, len(backends)),
		quotas:   make(map[string]*quota),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, b := range backends {
		t.breakers[b.Name] = &breaker{state: StateClosed, lastTransition: t.now()}
		if qc, ok := quotas[b.Name]; ok && b.Metered {
			t.quotas[b.Name] = &quota{
				allowance: qc.Allowance,
				remaining: qc.Allowance,
				window:    qc.Window,
				resetAt:   t.now().Add(qc.Window),
			}
		}
	}
	return t
}

// RecordSuccess notes a successful call to backend.
func (t *Tracker) RecordSuccess(backend string) {
	b, ok := t.breakers[backend]
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= t.cfg.SuccessThreshold {
			b.transition(StateClosed, t.now())
		}
	}
}

// RecordFailure notes a failed call to backend. Reaching the failure
// threshold opens the breaker; any failure during a half-open trial reopens
// it and restarts the cool-down.
func (t *Tracker) RecordFailure(backend string) {
	b, ok := t.breakers[backend]
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= t.cfg.FailureThreshold {
			b.transition(StateOpen, t.now())
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.transition(StateOpen, t.now())
	}
}

// IsAvailable reports whether backend may be called. An open breaker whose
// cool-down has elapsed flips to half-open and admits exactly one trial
// call; further checks return false until that trial completes.
func (t *Tracker) IsAvailable(backend string) bool {
	b, ok := t.breakers[backend]
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if t.now().Sub(b.lastTransition) >= t.cfg.Cooldown {
			b.transition(StateHalfOpen, t.now())
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// TryConsumeQuota atomically decrements the backend's allowance if positive.
// Backends without a registered quota always succeed. Windows reset lazily
// on access; there is no background timer.
func (t *Tracker) TryConsumeQuota(backend string) bool {
	q, ok := t.quotas[backend]
	if !ok {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if now := t.now(); !now.Before(q.resetAt) {
		q.remaining = q.allowance
		q.resetAt = now.Add(q.window)
	}
	if q.remaining <= 0 {
		return false
	}
	q.remaining--
	return true
}

// ReturnQuota gives back one unit consumed by TryConsumeQuota when no call
// was attempted after all. The refund never exceeds the window allowance.
func (t *Tracker) ReturnQuota(backend string) {
	q, ok := t.quotas[backend]
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.remaining < q.allowance {
		q.remaining++
	}
}

// BackendHealth is a point-in-time view of one backend's state.
type BackendHealth struct {
	State          CircuitState `json:"state"`
	Failures       int          `json:"consecutive_failures"`
	QuotaRemaining int          `json:"quota_remaining"`
	QuotaResetAt   time.Time    `json:"quota_reset_at,omitzero"`
	Metered        bool         `json:"metered"`
}

// Snapshot returns the current state of every tracked backend.
func (t *Tracker) Snapshot() map[string]BackendHealth {
	out := make(map[string]BackendHealth, len(t.breakers))
	for name, b := range t.breakers {
		b.mu.Lock()
		h := BackendHealth{State: b.state, Failures: b.failures}
		b.mu.Unlock()

		if q, ok := t.quotas[name]; ok {
			q.mu.Lock()
			h.Metered = true
			h.QuotaRemaining = q.remaining
			h.QuotaResetAt = q.resetAt
			q.mu.Unlock()
		}
		out[name] = h
	}
	return out
}

// transition moves the breaker to state and resets the counters. Caller
// holds b.mu.
func (b *breaker) transition(state CircuitState, at time.Time) {
	b.state = state
	b.failures = 0
	b.successes = 0
	b.lastTransition = at
}
