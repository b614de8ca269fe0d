package gateway

import (
	"sync"
	"time"
)

// Rate limit rejection reasons.
const (
	ReasonTooManyConcurrent = "too many concurrent turns"
	ReasonRateLimited       = "rate limit exceeded"
)

// ClientRateLimiter bounds the turns one connection may submit, using a
// sliding one-minute window plus a cap on turns in flight.
type ClientRateLimiter struct {
	mu             sync.Mutex
	turnsPerMinute int
	maxConcurrent  int
	window         time.Duration
	started        []time.Time
	inFlight       int
}

// NewClientRateLimiter creates a limiter with the default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(30, 4)
}

// NewClientRateLimiterWithLimits creates a limiter with custom limits.
func NewClientRateLimiterWithLimits(turnsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		turnsPerMinute: turnsPerMinute,
		maxConcurrent:  maxConcurrent,
		window:         time.Minute,
	}
}

// Acquire admits a turn and counts it as in flight. A rejected turn
// reports the reason and is not counted.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.inFlight >= r.maxConcurrent {
		return false, ReasonTooManyConcurrent
	}

	r.prune(now)
	if len(r.started) >= r.turnsPerMinute {
		return false, ReasonRateLimited
	}

	r.started = append(r.started, now)
	r.inFlight++
	return true, ""
}

// Release marks an admitted turn as finished.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// Stats returns the turns started within the window and those in flight.
func (r *ClientRateLimiter) Stats() (started, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return len(r.started), r.inFlight
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	kept := r.started[:0]
	for _, t := range r.started {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.started = kept
}
