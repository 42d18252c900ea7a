package reputation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

func TestExportReputationsIsCompact(t *testing.T) {
	e, clock := newTestEngine(t, nil)

	for i := 0; i < 15; i++ {
		_, err := e.UpdateReputation("n", Event{Type: EventNeutral, Reason: "tick"})
		require.NoError(t, err)
	}
	_, err := e.PenalizeNode("n", contracts.SeverityLow, "old")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	e.ApplyDecay()
	_, err = e.PenalizeNode("n", contracts.SeverityMedium, "fresh")
	require.NoError(t, err)
	_, err = e.RewardNode("n", 0.05, "relay")
	require.NoError(t, err)
	e.AddOrUpdateReputation("m", nil)

	snap := e.ExportReputations()
	assert.Equal(t, SnapshotVersion, snap.Version)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "m", snap.Records[0].NodeID)

	n := snap.Records[1]
	assert.Len(t, n.History, 10)
	require.Len(t, n.Penalties, 1)
	assert.Equal(t, "fresh", n.Penalties[0].Reason)
	assert.Len(t, n.Rewards, 1)
	assert.NotNil(t, snap.Records[0].Penalties)

	full, _ := e.GetReputation("n")
	assert.Len(t, full.Penalties, 2)
	assert.Len(t, full.History, 18)
}

func TestImportReputationsRoundTrip(t *testing.T) {
	src, _ := newTestEngine(t, nil)
	_, err := src.PenalizeNode("a", contracts.SeverityHigh, "")
	require.NoError(t, err)
	_, err = src.RewardNode("b", 0.2, "good")
	require.NoError(t, err)

	raw, err := json.Marshal(src.ExportReputations())
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	dst, _ := newTestEngine(t, nil)
	n, err := dst.ImportReputations(snap)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"a", "b"} {
		want, _ := src.GetReputation(id)
		got, ok := dst.GetReputation(id)
		require.True(t, ok)
		assert.InDelta(t, want.Score, got.Score, 1e-12)
		assert.InDelta(t, want.Confidence, got.Confidence, 1e-12)
		assert.Len(t, got.Penalties, len(want.Penalties))
		assert.Len(t, got.Rewards, len(want.Rewards))
	}
	got, _ := dst.GetReputation("a")
	assert.Equal(t, 24*time.Hour, got.Penalties[0].DecayPeriod)
}

func TestImportReputationsClampsAndValidates(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.MaxHistoryLength = 2 })

	n, err := e.ImportReputations(Snapshot{Records: []Record{{
		NodeID:     "wild",
		Score:      7,
		Confidence: 0,
		History:    []Event{{Reason: "1"}, {Reason: "2"}, {Reason: "3"}},
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, _ := e.GetReputation("wild")
	assert.Equal(t, 1.0, rec.Score)
	assert.Equal(t, 0.1, rec.Confidence)
	assert.Len(t, rec.History, 2)
	assert.False(t, rec.CreatedAt.IsZero())

	_, err = e.ImportReputations(Snapshot{Records: []Record{{Score: 0.5}}})
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}
