// Package accel reclaims accelerator memory for the local inference tier.
// Reclaiming is expensive, so passes are rate-limited to a minimum interval
// unless forced after a terminal failure. A reclaim failure is logged and
// swallowed; it never fails the request that triggered it.
package accel

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Operations is the slice of the local tier the manager needs: waiting for
// outstanding accelerator calls and asking the server to drop its cached
// model memory.
type Operations interface {
	// WaitIdle blocks until in-flight local calls complete or ctx ends.
	WaitIdle(ctx context.Context) error

	// ReleaseMemory asks the local server to release its memory pool.
	ReleaseMemory(ctx context.Context) error
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithDrainTimeout bounds how long a reclaim pass waits for in-flight
// calls before releasing memory anyway.
func WithDrainTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.drainTimeout = d
	}
}

// Manager owns the reclaim cadence for one local tier.
type Manager struct {
	ops          Operations
	minInterval  time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	lastReclaim time.Time
	retained    [][]byte
}

// New creates a manager that reclaims at most once per minInterval unless
// forced.
func New(ops Operations, minInterval time.Duration, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		ops:          ops,
		minInterval:  minInterval,
		drainTimeout: 10 * time.Second,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Retain holds a reference to a transient buffer from the last call so the
// next reclaim pass can drop it before collecting.
func (m *Manager) Retain(buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retained = append(m.retained, buf)
}

// MaybeReclaim runs a reclaim pass if forced or the minimum interval has
// elapsed since the previous pass. It reports whether a pass ran.
func (m *Manager) MaybeReclaim(ctx context.Context, force bool) bool {
	m.mu.Lock()
	now := m.now()
	if !force && !m.lastReclaim.IsZero() && now.Sub(m.lastReclaim) < m.minInterval {
		m.mu.Unlock()
		return false
	}
	m.lastReclaim = now
	m.retained = nil
	m.mu.Unlock()

	runtime.GC()

	drainCtx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()
	if err := m.ops.WaitIdle(drainCtx); err != nil {
		m.logger.Warn("accelerator drain did not complete",
			slog.String("error", err.Error()))
	}

	if err := m.ops.ReleaseMemory(ctx); err != nil {
		m.logger.Warn("accelerator memory release failed",
			slog.String("error", err.Error()))
	}
	return true
}
