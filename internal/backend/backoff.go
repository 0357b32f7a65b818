package backend

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy is the retry schedule shared by every adapter: exponential
// delay with full jitter, capped at MaxDelay.
type BackoffPolicy struct {
	// MaxAttempts bounds total attempts, including the first.
	MaxAttempts int

	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration

	// MaxDelay caps the delay regardless of attempt number.
	MaxDelay time.Duration
}

// DefaultBackoff is the policy used when configuration leaves retry unset.
var DefaultBackoff = BackoffPolicy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Delay returns the sleep before the given attempt (attempt 1 is the first
// retry). The delay doubles per attempt and is jittered uniformly over
// (0, delay] so concurrent retries don't synchronize.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := p.BaseDelay << (attempt - 1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay))) + 1
}
