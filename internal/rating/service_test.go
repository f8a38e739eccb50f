package rating

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioarena/backend/internal/core"
)

type fakeStore struct {
	ratings       map[string]Rating
	history       []*core.EloHistory
	domainRatings map[string]Rating
	failRatingFor string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ratings:       make(map[string]Rating),
		domainRatings: make(map[string]Rating),
	}
}

func (f *fakeStore) UpdateAgentRating(_ context.Context, id string, rating, rd, vol float64) error {
	if id == f.failRatingFor {
		return errors.New("store unavailable")
	}
	f.ratings[id] = Rating{Value: rating, Deviation: rd, Volatility: vol}
	return nil
}

func (f *fakeStore) AppendEloHistory(_ context.Context, row *core.EloHistory) error {
	f.history = append(f.history, row)
	return nil
}

func (f *fakeStore) UpsertDomainRating(_ context.Context, agentID, domainID string, rating, rd, vol float64) error {
	f.domainRatings[agentID+"/"+domainID] = Rating{Value: rating, Deviation: rd, Volatility: vol}
	return nil
}

func testAgents() []*core.Agent {
	return []*core.Agent{
		{ID: "a1", Rating: 1600, RatingDeviation: 200, Volatility: 0.06},
		{ID: "a2", Rating: 1400, RatingDeviation: 200, Volatility: 0.06},
		{ID: "a3", Rating: 1500, RatingDeviation: 200, Volatility: 0.06},
	}
}

func testLeaderboard() []core.LeaderboardEntry {
	return []core.LeaderboardEntry{
		{AgentID: "a1", Rank: 1, TotalScore: 1000},
		{AgentID: "a3", Rank: 2, TotalScore: 700},
		{AgentID: "a2", Rank: 3, TotalScore: 400},
	}
}

func TestUpdateAfterWritesOneHistoryRowPerParticipant(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	svc.UpdateAfter(context.Background(), "c1", testAgents(), testLeaderboard(), "")

	require.Len(t, store.history, 3)
	seen := map[string]bool{}
	for _, row := range store.history {
		assert.Equal(t, "c1", row.CompetitionID)
		assert.Equal(t, 3, row.ParticipantCount)
		assert.InDelta(t, row.RatingAfter-row.RatingBefore, row.RatingChange, 0.001)
		seen[row.AgentID] = true
	}
	assert.Len(t, seen, 3)

	// History rating-after matches the written rating.
	for _, row := range store.history {
		written, ok := store.ratings[row.AgentID]
		require.True(t, ok)
		assert.InDelta(t, written.Value, row.RatingAfter, 0.001)
	}
}

func TestUpdateAfterRankOneGains(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	svc.UpdateAfter(context.Background(), "c1", testAgents(), testLeaderboard(), "")

	require.Contains(t, store.ratings, "a1")
	require.Contains(t, store.ratings, "a2")
	assert.Greater(t, store.ratings["a1"].Value, 1600.0, "winner must gain rating")
	assert.Less(t, store.ratings["a2"].Value, 1400.0, "last place must lose rating")
}

func TestUpdateAfterContinuesPastRowFailure(t *testing.T) {
	store := newFakeStore()
	store.failRatingFor = "a1"
	svc := NewService(store)

	svc.UpdateAfter(context.Background(), "c1", testAgents(), testLeaderboard(), "")

	assert.NotContains(t, store.ratings, "a1")
	assert.Contains(t, store.ratings, "a2")
	assert.Contains(t, store.ratings, "a3")
	// History is still attempted for the failed row.
	assert.Len(t, store.history, 3)
}

func TestUpdateAfterUpsertsDomainRating(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	svc.UpdateAfter(context.Background(), "c1", testAgents(), testLeaderboard(), "web-tasks")

	assert.Len(t, store.domainRatings, 3)
	assert.Contains(t, store.domainRatings, "a1/web-tasks")

	for _, row := range store.history {
		assert.Equal(t, "web-tasks", row.DomainID)
	}
}

func TestUpdateAfterSkipsAgentMissingFromLeaderboard(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	agents := append(testAgents(), &core.Agent{ID: "ghost", Rating: 1500, RatingDeviation: 350, Volatility: 0.06})
	svc.UpdateAfter(context.Background(), "c1", agents, testLeaderboard(), "")

	assert.NotContains(t, store.ratings, "ghost")
	assert.Len(t, store.history, 3)
}
