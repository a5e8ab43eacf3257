// Package resilience implements the circuit breakers, rate limiters,
// policy presets, and checkpoint subsystem guarding remote execution and
// flaky handlers (spec.md §4.12).
package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the three circuit breaker states (spec.md §4.12).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// outcome is one recorded call result within the rolling window.
type outcome struct {
	at      time.Time
	success bool
}

// Breaker is a per-endpoint circuit breaker: closed → open when the
// rolling-window failure rate reaches threshold (with a minimum sample
// count so a handful of early failures doesn't trip it), open → half-open
// after cooldown, half-open → closed on a trial success or back to open on
// a trial failure (spec.md §4.12).
type Breaker struct {
	mu sync.Mutex

	name            string
	window          time.Duration
	failureRate     float64
	minSamples      int
	cooldown        time.Duration
	halfOpenAllowed int // trial calls allowed while half-open
	log             *zap.Logger

	state          State
	history        []outcome
	openedAt       time.Time
	halfOpenInFlight int
}

// BreakerConfig parameterizes a new Breaker.
type BreakerConfig struct {
	Name            string
	Window          time.Duration
	FailureRate     float64
	MinSamples      int
	Cooldown        time.Duration
	HalfOpenAllowed int
	// Log receives structured state-transition events (breaker name, old
	// and new state). Nil disables logging.
	Log *zap.Logger
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.HalfOpenAllowed < 1 {
		cfg.HalfOpenAllowed = 1
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		name:            cfg.Name,
		window:          cfg.Window,
		failureRate:     cfg.FailureRate,
		minSamples:      cfg.MinSamples,
		cooldown:        cfg.Cooldown,
		halfOpenAllowed: cfg.HalfOpenAllowed,
		log:             log,
		state:           Closed,
	}
}

func (b *Breaker) transition(from, to State) {
	b.state = to
	b.log.Info("breaker state transition",
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Allow reports whether a call may proceed, transitioning open → half-open
// once the cooldown has elapsed. Every Allow that returns true for a
// half-open breaker consumes one of its limited trial slots.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.transition(Open, HalfOpen)
			b.halfOpenInFlight = 0
		} else {
			return false
		}
	}
	if b.state == HalfOpen {
		if b.halfOpenInFlight >= b.halfOpenAllowed {
			return false
		}
		b.halfOpenInFlight++
	}
	return true
}

// Record reports the outcome of a call previously allowed by Allow.
func (b *Breaker) Record(now time.Time, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		if success {
			b.transition(HalfOpen, Closed)
			b.history = nil
		} else {
			b.transition(HalfOpen, Open)
			b.openedAt = now
			b.history = nil
		}
		return
	}

	b.history = append(b.history, outcome{at: now, success: success})
	b.history = pruneOlderThan(b.history, now, b.window)

	if len(b.history) < b.minSamples {
		return
	}
	failures := 0
	for _, o := range b.history {
		if !o.success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.history))
	if rate >= b.failureRate {
		b.transition(Closed, Open)
		b.openedAt = now
		b.history = nil
	}
}

func pruneOlderThan(hist []outcome, now time.Time, window time.Duration) []outcome {
	if window <= 0 {
		return hist
	}
	cutoff := now.Add(-window)
	out := hist[:0:0]
	for _, o := range hist {
		if o.at.After(cutoff) {
			out = append(out, o)
		}
	}
	return out
}

// CurrentState returns the breaker's current state, for diagnostics.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
