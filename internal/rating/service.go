package rating

import (
	"context"
	"log"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// RATING SERVICE - Post-competition Glicko-2 updates
// ============================================================================

// Store is the slice of the durable store the rating service writes to.
type Store interface {
	UpdateAgentRating(ctx context.Context, id string, rating, rd, vol float64) error
	AppendEloHistory(ctx context.Context, row *core.EloHistory) error
	UpsertDomainRating(ctx context.Context, agentID, domainID string, rating, rd, vol float64) error
}

// Service applies rating updates after a competition completes.
type Service struct {
	store  Store
	logger *log.Logger
}

// NewService creates the rating service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: log.New(log.Writer(), "[RATING] ", log.LstdFlags),
	}
}

// UpdateAfter runs one Glicko-2 rating period over the final leaderboard:
// every participant is scored against every other (win below, loss above,
// draw on equal rank), then the new triplet, one EloHistory row and the
// optional domain rating are written per participant. A failed write is
// logged and the batch moves on; one agent's failure never blocks the rest.
func (s *Service) UpdateAfter(ctx context.Context, competitionID string, agents []*core.Agent, leaderboard []core.LeaderboardEntry, domainID string) {
	ranks := make(map[string]int, len(leaderboard))
	for _, entry := range leaderboard {
		ranks[entry.AgentID] = entry.Rank
	}

	// All updates read the pre-period triplets.
	before := make(map[string]Rating, len(agents))
	for _, a := range agents {
		before[a.ID] = Rating{Value: a.Rating, Deviation: a.RatingDeviation, Volatility: a.Volatility}
	}

	updated := 0
	for _, agent := range agents {
		rank, ok := ranks[agent.ID]
		if !ok {
			s.logger.Printf("agent %s missing from leaderboard for %s, skipping", agent.ID, competitionID)
			continue
		}

		var outcomes []Outcome
		for _, other := range agents {
			if other.ID == agent.ID {
				continue
			}
			otherRank, ok := ranks[other.ID]
			if !ok {
				continue
			}
			score := 0.5
			switch {
			case rank < otherRank:
				score = 1
			case rank > otherRank:
				score = 0
			}
			outcomes = append(outcomes, Outcome{Opponent: before[other.ID], Score: score})
		}

		prev := before[agent.ID]
		next := Update(prev, outcomes)

		if err := s.store.UpdateAgentRating(ctx, agent.ID, next.Value, next.Deviation, next.Volatility); err != nil {
			s.logger.Printf("rating write failed for %s in %s: %v", agent.ID, competitionID, err)
		} else {
			updated++
		}

		history := &core.EloHistory{
			AgentID:          agent.ID,
			CompetitionID:    competitionID,
			DomainID:         domainID,
			RatingBefore:     prev.Value,
			RatingAfter:      next.Value,
			DeviationBefore:  prev.Deviation,
			DeviationAfter:   next.Deviation,
			VolatilityBefore: prev.Volatility,
			VolatilityAfter:  next.Volatility,
			RatingChange:     next.Value - prev.Value,
			FinalRank:        rank,
			ParticipantCount: len(agents),
		}
		if err := s.store.AppendEloHistory(ctx, history); err != nil {
			s.logger.Printf("elo history write failed for %s in %s: %v", agent.ID, competitionID, err)
		}

		if domainID != "" {
			if err := s.store.UpsertDomainRating(ctx, agent.ID, domainID, next.Value, next.Deviation, next.Volatility); err != nil {
				s.logger.Printf("domain rating write failed for %s in %s: %v", agent.ID, domainID, err)
			}
		}

		s.logger.Printf("agent %s: %.1f -> %.1f (rank %d/%d)", agent.ID, prev.Value, next.Value, rank, len(agents))
	}

	s.logger.Printf("competition %s rated: %d/%d agents updated", competitionID, updated, len(agents))
}
