package reputation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

func TestApplyDecayNaturalPull(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.DecayRate = 0.1
		c.ConfidenceDecayRate = 0.1
	})
	e.AddOrUpdateReputation("n", nil)

	report := e.ApplyDecay()
	assert.Equal(t, 1, report.Nodes)

	rec, _ := e.GetReputation("n")
	assert.InDelta(t, 0.45, rec.Score, 1e-9)
	assert.InDelta(t, 0.45, rec.Confidence, 1e-9)
}

func TestApplyDecayPullsTowardZeroBelowInitial(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.DecayRate = 0.1
		c.ConfidenceDecayRate = 0
		c.RecoveryRate = 0
	})
	rec, err := e.PenalizeNode("n", contracts.SeverityCritical, "")
	require.NoError(t, err)
	penalized := rec.Score
	require.Less(t, penalized, 0.5)

	e.ApplyDecay()
	rec, _ = e.GetReputation("n")
	assert.InDelta(t, penalized*0.9, rec.Score, 1e-9, "decay does not pull back up to the initial score")
}

func TestApplyDecayConfidenceFloor(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.ConfidenceDecayRate = 0.5 })
	e.AddOrUpdateReputation("n", nil)

	for i := 0; i < 10; i++ {
		e.ApplyDecay()
	}
	rec, _ := e.GetReputation("n")
	assert.Equal(t, 0.1, rec.Confidence)
}

func TestLowPenaltyRecoveryTiming(t *testing.T) {
	e, clock := newTestEngine(t, func(c *Config) {
		c.DecayRate = 0
		c.ConfidenceDecayRate = 0
		c.RecoveryRate = 0.5
	})
	rec, err := e.PenalizeNode("n", contracts.SeverityLow, "")
	require.NoError(t, err)
	penalized := rec.Score
	assert.InDelta(t, 0.5-0.05*0.5*0.5, penalized, 1e-9)

	clock.Advance(20 * time.Minute)
	report := e.ApplyDecay()
	assert.Zero(t, report.PenaltiesRecovered)
	rec, _ = e.GetReputation("n")
	assert.False(t, rec.Penalties[0].Recovered)
	assert.InDelta(t, penalized, rec.Score, 1e-9)

	clock.Advance(25 * time.Minute)
	e.ApplyDecay()
	rec, _ = e.GetReputation("n")
	assert.False(t, rec.Penalties[0].Recovered)
	partial := penalized + 0.5*0.05*0.75*0.5
	assert.InDelta(t, partial, rec.Score, 1e-9)

	clock.Advance(15 * time.Minute)
	report = e.ApplyDecay()
	assert.Equal(t, 1, report.PenaltiesRecovered)
	rec, _ = e.GetReputation("n")
	assert.True(t, rec.Penalties[0].Recovered)
	assert.InDelta(t, partial+0.5*0.05, rec.Score, 1e-9)
	assert.Greater(t, rec.Score, penalized)
	assert.Empty(t, rec.UnrecoveredPenalties())

	e.ApplyDecay()
	after, _ := e.GetReputation("n")
	assert.InDelta(t, rec.Score, after.Score, 1e-9)
}

func TestApplyDecayRewardResidual(t *testing.T) {
	e, clock := newTestEngine(t, func(c *Config) {
		c.DecayRate = 0.24
		c.ConfidenceDecayRate = 0
	})
	rec, err := e.RewardNode("n", 0.1, "relay")
	require.NoError(t, err)
	assert.InDelta(t, 0.55, rec.Score, 1e-9)

	clock.Advance(24 * time.Hour)
	e.ApplyDecay()
	rec, _ = e.GetReputation("n")
	want := 0.55*(1-0.24) + 0.1*math.Exp(-0.24)*0.01
	assert.InDelta(t, want, rec.Score, 1e-9)
}

func TestApplyDecayEmptyEngine(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	assert.Equal(t, DecayReport{}, e.ApplyDecay())
}
