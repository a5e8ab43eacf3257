package resilience

import (
	"time"

	"go.uber.org/zap"
)

// Policy bundles a Breaker and a RateLimiter under one name, constructed
// either from a named preset or a fluent Builder (spec.md §4.12).
type Policy struct {
	Name    string
	Breaker *Breaker
	Limiter *RateLimiter
}

// Allow reports whether a call may proceed under both the breaker and the
// rate limiter, at the given priority.
func (p *Policy) Allow(now time.Time, priority Priority) bool {
	if !p.Breaker.Allow(now) {
		return false
	}
	return p.Limiter.Allow(now, priority)
}

// Record reports a call's outcome to the breaker, adapting the rate
// limiter when the breaker degrades or recovers.
func (p *Policy) Record(now time.Time, success bool) {
	before := p.Breaker.CurrentState()
	p.Breaker.Record(now, success)
	after := p.Breaker.CurrentState()
	switch {
	case after == Open && before != Open:
		p.Limiter.AdaptDown(0.5)
	case after == Closed && before != Closed:
		p.Limiter.AdaptReset()
	}
}

// Builder constructs a Policy fluently, e.g.:
//
//	resilience.NewBuilder("db-primary").
//	    WithWindow(30 * time.Second).
//	    WithFailureRate(0.5).
//	    WithMinSamples(10).
//	    WithCooldown(5 * time.Second).
//	    WithRate(50, 100).
//	    Build()
type Builder struct {
	name string
	bc   BreakerConfig
	rc   RateLimiterConfig
}

func NewBuilder(name string) *Builder {
	return &Builder{
		name: name,
		bc:   BreakerConfig{Window: 30 * time.Second, FailureRate: 0.5, MinSamples: 5, Cooldown: 10 * time.Second, HalfOpenAllowed: 1},
		rc:   RateLimiterConfig{Rate: 10, Burst: 20},
	}
}

func (b *Builder) WithWindow(d time.Duration) *Builder      { b.bc.Window = d; return b }
func (b *Builder) WithFailureRate(r float64) *Builder       { b.bc.FailureRate = r; return b }
func (b *Builder) WithMinSamples(n int) *Builder            { b.bc.MinSamples = n; return b }
func (b *Builder) WithCooldown(d time.Duration) *Builder    { b.bc.Cooldown = d; return b }
func (b *Builder) WithHalfOpenAllowed(n int) *Builder       { b.bc.HalfOpenAllowed = n; return b }
func (b *Builder) WithRate(rate, burst float64) *Builder    { b.rc.Rate = rate; b.rc.Burst = burst; return b }

// WithLogger attaches a zap logger that records every breaker state
// transition for this policy (open/half-open/closed), useful for
// diagnosing a flaky remote dependency after the fact.
func (b *Builder) WithLogger(log *zap.Logger) *Builder { b.bc.Log = log; return b }

func (b *Builder) Build() *Policy {
	b.bc.Name = b.name
	return &Policy{Name: b.name, Breaker: NewBreaker(b.bc), Limiter: NewRateLimiter(b.rc)}
}

// Preset names a built-in policy (spec.md §4.12: "critical, standard,
// network, high-throughput, relaxed").
type Preset string

const (
	PresetCritical      Preset = "critical"
	PresetStandard      Preset = "standard"
	PresetNetwork       Preset = "network"
	PresetHighThroughput Preset = "high-throughput"
	PresetRelaxed       Preset = "relaxed"
)

// NewPreset builds a Policy for one of the named presets. Critical trips
// fast and recovers slowly (protects a load-bearing dependency); relaxed
// tolerates a high failure rate and large sample windows (best-effort
// remote endpoints where flakiness is expected).
func NewPreset(name Preset) *Policy {
	switch name {
	case PresetCritical:
		return NewBuilder(string(name)).
			WithWindow(20 * time.Second).WithFailureRate(0.2).WithMinSamples(5).
			WithCooldown(30 * time.Second).WithHalfOpenAllowed(1).
			WithRate(5, 10).Build()
	case PresetNetwork:
		return NewBuilder(string(name)).
			WithWindow(60 * time.Second).WithFailureRate(0.4).WithMinSamples(8).
			WithCooldown(15 * time.Second).WithHalfOpenAllowed(2).
			WithRate(20, 40).Build()
	case PresetHighThroughput:
		return NewBuilder(string(name)).
			WithWindow(10 * time.Second).WithFailureRate(0.6).WithMinSamples(20).
			WithCooldown(5 * time.Second).WithHalfOpenAllowed(4).
			WithRate(200, 400).Build()
	case PresetRelaxed:
		return NewBuilder(string(name)).
			WithWindow(120 * time.Second).WithFailureRate(0.8).WithMinSamples(15).
			WithCooldown(5 * time.Second).WithHalfOpenAllowed(3).
			WithRate(50, 100).Build()
	default: // PresetStandard and unrecognized names
		return NewBuilder(string(PresetStandard)).
			WithWindow(30 * time.Second).WithFailureRate(0.5).WithMinSamples(10).
			WithCooldown(10 * time.Second).WithHalfOpenAllowed(1).
			WithRate(30, 60).Build()
	}
}
