package resilience

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaveforge/weaveforge"
)

func TestBreakerOpensAfterFailureRateExceeded(t *testing.T) {
	b := NewBreaker(BreakerConfig{Window: time.Minute, FailureRate: 0.5, MinSamples: 4, Cooldown: time.Second, HalfOpenAllowed: 1})
	now := time.Now()
	require.True(t, b.Allow(now))
	b.Record(now, true)
	b.Record(now, false)
	b.Record(now, false)
	b.Record(now, false)
	require.Equal(t, Open, b.CurrentState())
	require.False(t, b.Allow(now))
}

func TestBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	b := NewBreaker(BreakerConfig{Window: time.Minute, FailureRate: 0.5, MinSamples: 2, Cooldown: 10 * time.Millisecond, HalfOpenAllowed: 1})
	now := time.Now()
	b.Record(now, false)
	b.Record(now, false)
	require.Equal(t, Open, b.CurrentState())

	later := now.Add(20 * time.Millisecond)
	require.True(t, b.Allow(later), "cooldown elapsed, should transition to half-open and admit a trial")
	require.Equal(t, HalfOpen, b.CurrentState())
	b.Record(later, true)
	require.Equal(t, Closed, b.CurrentState())
}

func TestRateLimiterRespectsBurstAndRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 10, Burst: 2})
	now := time.Now()
	require.True(t, rl.Allow(now, PriorityNormal))
	require.True(t, rl.Allow(now, PriorityHigh))
	require.False(t, rl.Allow(now, PriorityLow), "burst exhausted")

	later := now.Add(200 * time.Millisecond)
	require.True(t, rl.Allow(later, PriorityLow), "refill should have added tokens")
}

func TestPresetsProduceDistinctPolicies(t *testing.T) {
	crit := NewPreset(PresetCritical)
	relaxed := NewPreset(PresetRelaxed)
	require.NotEqual(t, crit.Breaker.failureRate, relaxed.Breaker.failureRate)
}

func TestCheckpointSnapshotAndResumePlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	w := NewCheckpointWriter(path, time.Hour)
	done := weaveforge.TargetID{Name: "done"}
	pending := weaveforge.TargetID{Name: "pending"}
	w.Record(done, "success")
	require.NoError(t, w.Snapshot())

	cp, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.NotNil(t, cp)

	plan := Plan(cp, []weaveforge.TargetID{done, pending})
	require.Equal(t, []weaveforge.TargetID{pending}, plan.Remaining)
}

func TestLoadCheckpointMissingFileIsNotError(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Nil(t, cp)
}
