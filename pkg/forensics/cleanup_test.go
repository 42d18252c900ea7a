package forensics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

func TestCleanupPrunesAndPurges(t *testing.T) {
	sink := newMemorySink()
	l, clock := newTestLedger(t, WithArchive(sink))
	ctx := context.Background()
	oldID := l.CurrentChainID()

	for i := 0; i < 2; i++ {
		_, err := l.LogEvent(ctx, EntrySystemEvent, contracts.SeverityLow, "old", nil, nil)
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)
	current, err := l.RotateChain(ctx, "daily")
	require.NoError(t, err)
	created, err := l.Entries(current.ID)
	require.NoError(t, err)
	createdID := created[0].ID

	clock.Advance(49 * time.Hour)
	keep, err := l.LogEvent(ctx, EntrySystemEvent, contracts.SeverityLow, "fresh", nil, nil)
	require.NoError(t, err)

	report, err := l.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, report.RemovedEntries)
	assert.Equal(t, []string{oldID}, report.PurgedChains)
	assert.Contains(t, report.ArchiveRefs, oldID)
	assert.Contains(t, report.ArchiveRefs, current.ID)

	chains := l.GetChainInfo()
	require.Len(t, chains, 1)
	assert.Equal(t, current.ID, chains[0].ID)
	assert.NotEmpty(t, chains[0].AnchorHash)
	assert.Equal(t, chains[0].ArchiveRef, report.ArchiveRefs[current.ID])

	entries, err := l.Entries(current.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, keep.ID, entries[0].ID)
	assert.Equal(t, chains[0].AnchorHash, entries[0].PreviousHash)

	var data map[string]any
	require.NoError(t, entries[1].DecodeData(&data))
	assert.Equal(t, "entries_pruned", data["event"])
	assert.Equal(t, float64(4), data["removed_entries"])

	ok, err := l.VerifyChainIntegrity("")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.GetEntry(createdID)
	require.ErrorIs(t, err, ErrEntryNotFound)

	archived, err := DecodeExport(sink.blobs[report.ArchiveRefs[oldID]])
	require.NoError(t, err)
	assert.Len(t, archived.Chains[0].Entries, 3)
}

func TestCleanupNothingToDo(t *testing.T) {
	l, _ := newTestLedger(t)

	report, err := l.Cleanup(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, report.RemovedEntries)
	assert.Empty(t, report.PurgedChains)
	assert.Equal(t, 1, l.GetStatistics().TotalEntries)
}

func TestCleanupEmptiesCurrentChainButKeepsIt(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	id := l.CurrentChainID()

	clock.Advance(48 * time.Hour)
	report, err := l.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemovedEntries)
	assert.Empty(t, report.PurgedChains)
	assert.Equal(t, id, l.CurrentChainID())

	next, err := l.LogEvent(ctx, EntrySystemEvent, contracts.SeverityLow, "after", nil, nil)
	require.NoError(t, err)
	entries, err := l.Entries(id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, next.ID, entries[1].ID)

	ok, err := l.VerifyChainIntegrity(id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanupDetectsTamperedAnchor(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	_, err := l.LogEvent(ctx, EntrySystemEvent, contracts.SeverityLow, "old", nil, nil)
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = l.Cleanup(ctx, time.Hour)
	require.NoError(t, err)

	c := rawChain(t, l, l.CurrentChainID())
	c.anchorHash = flipLastHex(c.anchorHash)

	ok, err := l.VerifyChainIntegrity("")
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrChainBroken)
}
