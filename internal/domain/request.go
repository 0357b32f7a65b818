// Package domain provides the canonical request, payload, and error types
// shared by the router, backend adapters, and the delivery coordinator.
package domain

import (
	"time"
)

// Priority controls how many backend candidates the router will try for a
// request before giving up.
type Priority string

const (
	// PriorityHigh requests attempt the full candidate list.
	PriorityHigh Priority = "high"

	// PriorityNormal requests attempt the full candidate list.
	PriorityNormal Priority = "normal"

	// PriorityLow requests attempt at most one candidate.
	PriorityLow Priority = "low"
)

// Valid reports whether p is a recognized priority value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Request is one analysis request flowing through the router. Requests are
// immutable: build a new value instead of mutating one in flight.
type Request struct {
	// Text is the prompt to analyze.
	Text string

	// Partition scopes cache lookups and quota accounting (e.g., one
	// partition per subject). Empty means the shared default partition.
	Partition string

	// Priority defaults to PriorityNormal when unset.
	Priority Priority

	// Deadline is the absolute point after which no further backend
	// attempts may start. Zero means no caller deadline.
	Deadline time.Time
}

// EffectivePriority returns the request priority, defaulting to normal.
func (r *Request) EffectivePriority() Priority {
	if r.Priority.Valid() {
		return r.Priority
	}
	return PriorityNormal
}

// Expired reports whether the request deadline has already passed at now.
func (r *Request) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// Payload is an opaque backend response. The router never interprets Text
// beyond carrying it to the cache and the caller.
type Payload struct {
	// Text is the free-text analysis returned by the backend.
	Text string

	// Backend identifies which backend produced the payload.
	Backend string

	// FromCache is true when the payload was served by the similarity
	// cache without contacting any backend.
	FromCache bool
}

// CostTier orders backends for candidate selection; lower is cheaper.
type CostTier int

// BackendDescriptor is the static per-backend configuration, loaded at
// startup and immutable thereafter.
type BackendDescriptor struct {
	// Name identifies the backend in logs, health state, and payloads.
	Name string

	// Endpoint is the transport base URL.
	Endpoint string

	// Timeout bounds a single call to the backend.
	Timeout time.Duration

	// MaxConcurrent bounds in-flight calls admitted by the adapter.
	MaxConcurrent int64

	// Tier orders candidates after the local tier; ascending cost.
	Tier CostTier

	// Local marks the on-device inference tier.
	Local bool

	// Metered marks backends subject to quota accounting.
	Metered bool
}
