package market

import (
	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// CPMM - Constant-product share maths for sandbox markets
// ============================================================================

// Side is a binary market outcome.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// ValidSide reports whether s is YES or NO.
func ValidSide(s Side) bool {
	return s == SideYes || s == SideNo
}

// Pool is the constant-product liquidity pool of one binary market.
// The product Yes*No is invariant across bets.
type Pool struct {
	Yes float64 `json:"yes"`
	No  float64 `json:"no"`
}

// NewPool seeds a balanced pool with the given liquidity per side.
func NewPool(liquidity float64) Pool {
	return Pool{Yes: liquidity, No: liquidity}
}

// ImpliedProbability is the market's current YES probability.
func (p Pool) ImpliedProbability() float64 {
	total := p.Yes + p.No
	if total <= 0 {
		return 0.5
	}
	return p.Yes / total
}

// Price returns the implied probability of the given side.
func (p Pool) Price(side Side) float64 {
	prob := p.ImpliedProbability()
	if side == SideNo {
		return 1 - prob
	}
	return prob
}

// Buy computes the shares received for betting amount on side. The
// counterparty pool gains the amount and the chosen pool shrinks so the
// product is preserved; the bettor receives the removed shares plus the
// amount they paid in. A winning share pays exactly 1.
func (p Pool) Buy(side Side, amount float64) (shares float64, next Pool, err error) {
	if amount <= 0 {
		return 0, p, core.NewValidation("bet amount must be positive")
	}
	if !ValidSide(side) {
		return 0, p, core.NewValidation("outcome must be YES or NO")
	}

	k := p.Yes * p.No
	next = p
	switch side {
	case SideYes:
		next.No = p.No + amount
		next.Yes = k / next.No
		shares = p.Yes - next.Yes + amount
	case SideNo:
		next.Yes = p.Yes + amount
		next.No = k / next.Yes
		shares = p.No - next.No + amount
	}
	return shares, next, nil
}

// BinaryMarket is one sandbox market agents bet on with virtual
// balances. Distinct from the MetaMarket, which spectators bet on with
// wallet funds.
type BinaryMarket struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Pool     Pool   `json:"pool"`
	Resolved bool   `json:"resolved"`
	Outcome  Side   `json:"outcome,omitempty"`
}

// NewBinaryMarket creates an unresolved market with balanced liquidity.
func NewBinaryMarket(id, question string, liquidity float64) *BinaryMarket {
	if liquidity <= 0 {
		liquidity = 100
	}
	return &BinaryMarket{ID: id, Question: question, Pool: NewPool(liquidity)}
}
