package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/events"
)

func TestSnapshotLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.WriteSnapshot(ctx, &core.Snapshot{
		CompetitionID: "c1",
		Name:          "Friday Cup",
		Status:        core.StatusRunning,
		TurnIndex:     3,
		UpdatedAt:     time.Now(),
	})
	require.NoError(t, err)

	snaps, err := m.ReadAllSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "c1", snaps[0].CompetitionID)
	assert.Equal(t, 3, snaps[0].TurnIndex)

	// overwrite advances, does not duplicate
	require.NoError(t, m.WriteSnapshot(ctx, &core.Snapshot{CompetitionID: "c1", TurnIndex: 4}))
	snaps, err = m.ReadAllSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 4, snaps[0].TurnIndex)

	require.NoError(t, m.RemoveSnapshot(ctx, "c1"))
	snaps, err = m.ReadAllSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestEventLogSince(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := events.NewStreamEvent(events.TypeCompetitionStart, "c1", nil)
	require.NoError(t, m.AppendEvent(ctx, "c1", first))
	cut := time.Now()
	time.Sleep(time.Millisecond)
	second := events.NewStreamEvent(events.TypeLeaderboardUpdate, "c1", nil)
	require.NoError(t, m.AppendEvent(ctx, "c1", second))

	all, err := m.ReadEvents(ctx, "c1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	late, err := m.ReadEvents(ctx, "c1", cut)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, events.TypeLeaderboardUpdate, late[0].Type)

	other, err := m.ReadEvents(ctx, "c2", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestVoteAggregates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	n, err := m.IncrVote(ctx, "c1", "cheer", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.IncrVote(ctx, "c1", "cheer", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = m.IncrVote(ctx, "c1", "mvp", "a2")
	require.NoError(t, err)

	votes, err := m.ReadVotes(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), votes["cheer:a1"])
	assert.Equal(t, int64(1), votes["mvp:a2"])
}
