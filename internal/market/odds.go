package market

import (
	"math"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// ODDS - ELO-derived American odds for meta-markets
// ============================================================================

// PickEmOdds is the American line for an even matchup.
const PickEmOdds = -100

// ExpectedScores computes every agent's Glicko/ELO win expectation over
// the field: for each agent the mean of the pairwise expected score
// against every other agent. A single agent expects 0.5.
func ExpectedScores(elos map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(elos))
	for id, elo := range elos {
		if len(elos) <= 1 {
			out[id] = 0.5
			continue
		}
		var sum float64
		for otherID, otherElo := range elos {
			if otherID == id {
				continue
			}
			sum += 1 / (1 + math.Pow(10, (otherElo-elo)/400))
		}
		out[id] = sum / float64(len(elos)-1)
	}
	return out
}

// AmericanFromExpected converts a win expectation to American odds:
// favourites (expected >= 0.5) get a negative line, underdogs positive.
// Extreme expectations are clamped so the line stays finite.
func AmericanFromExpected(expected float64) int {
	expected = clamp(expected, 0.01, 0.99)
	if expected >= 0.5 {
		return -int(math.Round(expected / (1 - expected) * 100))
	}
	return int(math.Round((1 - expected) / expected * 100))
}

// OddsFromELO derives the initial American odds for every agent in the
// field. A single agent is a pick-em at -100.
func OddsFromELO(elos map[string]float64) map[string]int {
	odds := make(map[string]int, len(elos))
	if len(elos) == 1 {
		for id := range elos {
			odds[id] = PickEmOdds
		}
		return odds
	}
	for id, expected := range ExpectedScores(elos) {
		odds[id] = AmericanFromExpected(expected)
	}
	return odds
}

// AmericanPayout is the total returned on a winning stake at the given
// line: positive odds o pay stake*(1+o/100), negative pay
// stake*(1+100/|o|).
func AmericanPayout(stake float64, odds int) (float64, error) {
	if stake <= 0 {
		return 0, core.NewValidation("stake must be positive")
	}
	if odds == 0 {
		return 0, core.NewValidation("odds of zero are not a valid American line")
	}
	if odds > 0 {
		return stake * (1 + float64(odds)/100), nil
	}
	return stake * (1 + 100/math.Abs(float64(odds))), nil
}
