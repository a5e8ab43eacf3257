package resilience

import (
	"sync"
	"time"
)

// Priority selects a lane in the rate limiter; higher-priority lanes are
// served first when tokens are scarce (spec.md §4.12, "priority lanes").
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// RateLimiter is a token bucket with burst capacity and priority lanes: a
// single shared bucket refilled at rate tokens/sec, drained preferentially
// by higher-priority callers. Adaptive control lets a Breaker throttle the
// refill rate as it degrades (spec.md §4.12, "adaptive control reduces the
// rate as the breaker degrades").
type RateLimiter struct {
	mu sync.Mutex

	baseRate float64 // tokens per second, before adaptation
	burst    float64
	tokens   float64
	last     time.Time

	adaptFactor float64 // multiplies baseRate; 1.0 = no throttling
}

// RateLimiterConfig parameterizes a new RateLimiter.
type RateLimiterConfig struct {
	Rate  float64
	Burst float64
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		baseRate:    cfg.Rate,
		burst:       cfg.Burst,
		tokens:      cfg.Burst,
		last:        time.Time{},
		adaptFactor: 1.0,
	}
}

func (r *RateLimiter) refill(now time.Time) {
	if r.last.IsZero() {
		r.last = now
		return
	}
	elapsed := now.Sub(r.last).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := r.baseRate * r.adaptFactor
	r.tokens += elapsed * rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = now
}

// Allow attempts to take one token for the given priority. Low-priority
// callers require a full token of headroom above zero (so they never
// starve high-priority bursts); high-priority callers may dip into the
// last token.
func (r *RateLimiter) Allow(now time.Time, p Priority) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(now)

	threshold := 0.0
	switch p {
	case PriorityLow:
		threshold = 1.0
	case PriorityNormal:
		threshold = 0.25
	case PriorityHigh:
		threshold = 0.0
	}
	if r.tokens-1 < threshold {
		return false
	}
	r.tokens -= 1
	return true
}

// AdaptDown reduces the effective refill rate by factor (0 < factor < 1),
// called when a paired Breaker transitions toward open. AdaptReset restores
// it, called when the breaker closes again.
func (r *RateLimiter) AdaptDown(factor float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adaptFactor *= factor
	if r.adaptFactor < 0.01 {
		r.adaptFactor = 0.01
	}
}

func (r *RateLimiter) AdaptReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adaptFactor = 1.0
}
