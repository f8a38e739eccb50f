package market

import (
	"sort"
	"time"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// VIRTUAL PORTFOLIO - Sandbox balances, positions and calibration
// ============================================================================

// DefaultStartingBalance is the sandbox stake every portfolio begins with.
const DefaultStartingBalance = 10000

// DefaultMaxBetSize caps a single sandbox bet.
const DefaultMaxBetSize = 1000

// UninformativeBrier is the Brier score of a coin-flip forecaster, used
// when no bets have resolved yet.
const UninformativeBrier = 0.25

// Position is an open holding in one binary market.
type Position struct {
	MarketID string  `json:"market_id"`
	Outcome  Side    `json:"outcome"`
	Shares   float64 `json:"shares"`
	AvgCost  float64 `json:"avg_cost"` // running average price paid per share
}

// PortfolioBet is one recorded sandbox bet with its forecast frozen at
// bet time for calibration scoring.
type PortfolioBet struct {
	MarketID  string    `json:"market_id"`
	Outcome   Side      `json:"outcome"`
	Amount    float64   `json:"amount"`
	Shares    float64   `json:"shares"`
	ProbAtBet float64   `json:"prob_at_bet"` // implied probability of the chosen side
	Resolved  bool      `json:"resolved"`
	Won       bool      `json:"won"`
	PlacedAt  time.Time `json:"placed_at"`
}

// VirtualPortfolio tracks one agent's sandbox balance and positions for
// one competition. Not safe for concurrent use; the owning controller
// serialises access.
type VirtualPortfolio struct {
	AgentID         string         `json:"agent_id"`
	CompetitionID   string         `json:"competition_id"`
	StartingBalance float64        `json:"starting_balance"`
	Balance         float64        `json:"balance"`
	Positions       []Position     `json:"positions"`
	Bets            []PortfolioBet `json:"bets"`
	RealisedPnL     float64        `json:"realised_pnl"`
}

// NewPortfolio creates a portfolio with the given starting balance,
// defaulting to 10000.
func NewPortfolio(agentID, competitionID string, balance float64) *VirtualPortfolio {
	if balance <= 0 {
		balance = DefaultStartingBalance
	}
	return &VirtualPortfolio{
		AgentID:         agentID,
		CompetitionID:   competitionID,
		StartingBalance: balance,
		Balance:         balance,
		Positions:       []Position{},
		Bets:            []PortfolioBet{},
	}
}

// PlaceBet buys shares on one side of a binary market. Validates the
// amount against the per-bet cap and the current balance, debits the
// balance, mutates the market pool, and upserts the position with a
// running average cost.
func (vp *VirtualPortfolio) PlaceBet(m *BinaryMarket, outcome Side, amount, maxSize float64) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxBetSize
	}
	if amount <= 0 {
		return core.NewValidation("bet amount must be positive")
	}
	if amount > maxSize {
		return core.NewValidation("bet amount %.2f exceeds the %.0f cap", amount, maxSize)
	}
	if amount > vp.Balance {
		return core.NewValidation("insufficient balance: have %.2f, need %.2f", vp.Balance, amount)
	}
	if m.Resolved {
		return core.NewState("market %s is already resolved", m.ID)
	}
	if !ValidSide(outcome) {
		return core.NewValidation("outcome must be YES or NO")
	}

	prob := m.Pool.Price(outcome)
	shares, nextPool, err := m.Pool.Buy(outcome, amount)
	if err != nil {
		return err
	}
	m.Pool = nextPool

	vp.Balance -= amount
	vp.upsertPosition(m.ID, outcome, shares, amount)
	vp.Bets = append(vp.Bets, PortfolioBet{
		MarketID:  m.ID,
		Outcome:   outcome,
		Amount:    amount,
		Shares:    shares,
		ProbAtBet: prob,
		PlacedAt:  time.Now().UTC(),
	})
	return nil
}

// upsertPosition adds to an existing (market, side) position or creates
// one, keeping the average cost per share running.
func (vp *VirtualPortfolio) upsertPosition(marketID string, outcome Side, shares, cost float64) {
	for i := range vp.Positions {
		p := &vp.Positions[i]
		if p.MarketID == marketID && p.Outcome == outcome {
			totalCost := p.AvgCost*p.Shares + cost
			p.Shares += shares
			if p.Shares > 0 {
				p.AvgCost = totalCost / p.Shares
			}
			return
		}
	}
	avg := 0.0
	if shares > 0 {
		avg = cost / shares
	}
	vp.Positions = append(vp.Positions, Position{
		MarketID: marketID,
		Outcome:  outcome,
		Shares:   shares,
		AvgCost:  avg,
	})
}

// MarkedValue is the portfolio's total worth at current prices:
// balance plus every open position marked to its market.
func (vp *VirtualPortfolio) MarkedValue(markets map[string]*BinaryMarket) float64 {
	value := vp.Balance
	for _, p := range vp.Positions {
		m, ok := markets[p.MarketID]
		if !ok || m.Resolved {
			continue
		}
		value += p.Shares * m.Pool.Price(p.Outcome)
	}
	return value
}

// ResolveMarket settles every position and bet this portfolio holds on
// the market: winning shares pay 1 each into the balance, losing
// positions pay zero. Position rows for the market are removed either way.
func (vp *VirtualPortfolio) ResolveMarket(marketID string, outcome Side) {
	kept := vp.Positions[:0]
	for _, p := range vp.Positions {
		if p.MarketID != marketID {
			kept = append(kept, p)
			continue
		}
		cost := p.AvgCost * p.Shares
		if p.Outcome == outcome {
			vp.Balance += p.Shares
			vp.RealisedPnL += p.Shares - cost
		} else {
			vp.RealisedPnL -= cost
		}
	}
	vp.Positions = kept

	for i := range vp.Bets {
		b := &vp.Bets[i]
		if b.MarketID == marketID && !b.Resolved {
			b.Resolved = true
			b.Won = b.Outcome == outcome
		}
	}
}

// Brier is the mean squared error of the portfolio's resolved
// forecasts; 0 is perfect, 0.25 is uninformative. With no resolved
// bets it is exactly 0.25.
func (vp *VirtualPortfolio) Brier() float64 {
	var sum float64
	var n int
	for _, b := range vp.Bets {
		if !b.Resolved {
			continue
		}
		outcome := 0.0
		if b.Won {
			outcome = 1.0
		}
		diff := b.ProbAtBet - outcome
		sum += diff * diff
		n++
	}
	if n == 0 {
		return UninformativeBrier
	}
	return sum / float64(n)
}

// ============================================================================
// FINAL SCORE - Composite leaderboard score per portfolio
// ============================================================================

// Final-score component weights in points: 60% profit, 25% calibration,
// 15% activity of a 1000-point scale.
const (
	profitMaxPoints      = 600
	calibrationMaxPoints = 250
	activityMaxPoints    = 150
	activityPerBet       = 15
)

// FinalScore is the composite sandbox-trading score for one portfolio:
// profit clamped so -50% maps to 0 and +50% to max, calibration from
// the Brier score (0 -> max, 0.25 -> 0), and 15 points per bet up to
// the activity cap. The result lies in [0, 1000].
func (vp *VirtualPortfolio) FinalScore() float64 {
	profitPct := 0.0
	if vp.StartingBalance > 0 {
		profitPct = (vp.Balance - vp.StartingBalance) / vp.StartingBalance
	}
	profit := clamp((profitPct+0.5)/1.0, 0, 1) * profitMaxPoints

	calibration := clamp(1-vp.Brier()/UninformativeBrier, 0, 1) * calibrationMaxPoints

	activity := float64(len(vp.Bets)) * activityPerBet
	if activity > activityMaxPoints {
		activity = activityMaxPoints
	}

	return clamp(profit+calibration+activity, 0, 1000)
}

// PortfolioScore pairs an agent with its composite score.
type PortfolioScore struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// RankPortfolios computes the composite score for every portfolio and
// returns them sorted descending.
func RankPortfolios(portfolios []*VirtualPortfolio) []PortfolioScore {
	scores := make([]PortfolioScore, 0, len(portfolios))
	for _, vp := range portfolios {
		scores = append(scores, PortfolioScore{AgentID: vp.AgentID, Score: vp.FinalScore()})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
