package market

import (
	"sync"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// SANDBOX BOOK - Virtual-currency trading on sandbox competitions
// ============================================================================

// sandboxLiquidity seeds each per-outcome pool.
const sandboxLiquidity = 100

// SandboxBook holds the in-memory trading state of sandbox
// competitions: one binary market per outcome ("does this agent win?")
// and one virtual portfolio per bettor. All access is serialised here;
// the portfolios themselves are not concurrency-safe.
type SandboxBook struct {
	mu              sync.Mutex
	startingBalance float64
	maxBetSize      float64
	books           map[string]*competitionBook
}

type competitionBook struct {
	markets    map[string]*BinaryMarket     // by outcome (agent) id
	portfolios map[string]*VirtualPortfolio // by user id
	resolved   bool
}

// NewSandboxBook creates an empty book with the given per-portfolio
// starting balance and per-bet cap.
func NewSandboxBook(startingBalance, maxBetSize float64) *SandboxBook {
	if startingBalance <= 0 {
		startingBalance = DefaultStartingBalance
	}
	if maxBetSize <= 0 {
		maxBetSize = DefaultMaxBetSize
	}
	return &SandboxBook{
		startingBalance: startingBalance,
		maxBetSize:      maxBetSize,
		books:           make(map[string]*competitionBook),
	}
}

// Open seeds a binary market per outcome, with each pool skewed so its
// YES probability matches the outcome's share of the ELO expectations.
func (sb *SandboxBook) Open(competitionID string, m *core.MetaMarket, elos map[string]float64) {
	expected := ExpectedScores(elos)

	book := &competitionBook{
		markets:    make(map[string]*BinaryMarket, len(m.Outcomes)),
		portfolios: make(map[string]*VirtualPortfolio),
	}
	for _, o := range m.Outcomes {
		bm := NewBinaryMarket(o.OutcomeID, o.DisplayName+" wins", sandboxLiquidity)
		if p, ok := expected[o.OutcomeID]; ok {
			p = clamp(p, 0.01, 0.99)
			total := bm.Pool.Yes + bm.Pool.No
			bm.Pool = Pool{Yes: p * total, No: (1 - p) * total}
		}
		book.markets[o.OutcomeID] = bm
	}

	sb.mu.Lock()
	sb.books[competitionID] = book
	sb.mu.Unlock()
}

// Has reports whether the competition trades in sandbox currency.
func (sb *SandboxBook) Has(competitionID string) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	_, ok := sb.books[competitionID]
	return ok
}

// PlaceBet buys YES shares on the named outcome's market, creating the
// bettor's portfolio on first use. Returns the bet's shares and the
// outcome's new implied probability.
func (sb *SandboxBook) PlaceBet(competitionID, userID, outcomeID string, amount float64) (shares, prob float64, err error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	book, ok := sb.books[competitionID]
	if !ok {
		return 0, 0, core.NewNotFound("no sandbox book for competition %s", competitionID)
	}
	if book.resolved {
		return 0, 0, core.NewState("sandbox markets for competition %s are resolved", competitionID)
	}
	bm, ok := book.markets[outcomeID]
	if !ok {
		return 0, 0, core.NewValidation("outcome %s does not exist on competition %s", outcomeID, competitionID)
	}

	vp, ok := book.portfolios[userID]
	if !ok {
		vp = NewPortfolio(userID, competitionID, sb.startingBalance)
		book.portfolios[userID] = vp
	}

	before := len(vp.Bets)
	if err := vp.PlaceBet(bm, SideYes, amount, sb.maxBetSize); err != nil {
		return 0, 0, err
	}
	return vp.Bets[before].Shares, bm.Pool.Price(SideYes), nil
}

// Resolve settles every outcome market (YES for the winner, NO for the
// rest), settles every portfolio, and returns the composite standings.
// A competition without a book returns nil.
func (sb *SandboxBook) Resolve(competitionID, winnerOutcomeID string) []PortfolioScore {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	book, ok := sb.books[competitionID]
	if !ok {
		return nil
	}
	book.resolved = true

	for outcomeID, bm := range book.markets {
		side := SideNo
		if outcomeID == winnerOutcomeID {
			side = SideYes
		}
		bm.Resolved = true
		bm.Outcome = side
		for _, vp := range book.portfolios {
			vp.ResolveMarket(bm.ID, side)
		}
	}
	return sb.standingsLocked(book)
}

// Drop discards the competition's book, voiding all positions. Used
// when the competition is cancelled.
func (sb *SandboxBook) Drop(competitionID string) {
	sb.mu.Lock()
	delete(sb.books, competitionID)
	sb.mu.Unlock()
}

// Standings ranks every portfolio of the competition by composite
// score. The second return is false when no sandbox book exists.
func (sb *SandboxBook) Standings(competitionID string) ([]PortfolioScore, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	book, ok := sb.books[competitionID]
	if !ok {
		return nil, false
	}
	return sb.standingsLocked(book), true
}

func (sb *SandboxBook) standingsLocked(book *competitionBook) []PortfolioScore {
	portfolios := make([]*VirtualPortfolio, 0, len(book.portfolios))
	for _, vp := range book.portfolios {
		portfolios = append(portfolios, vp)
	}
	return RankPortfolios(portfolios)
}

// Portfolio returns a copy of one bettor's portfolio.
func (sb *SandboxBook) Portfolio(competitionID, userID string) (*VirtualPortfolio, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	book, ok := sb.books[competitionID]
	if !ok {
		return nil, false
	}
	vp, ok := book.portfolios[userID]
	if !ok {
		return nil, false
	}
	cp := *vp
	cp.Positions = append([]Position(nil), vp.Positions...)
	cp.Bets = append([]PortfolioBet(nil), vp.Bets...)
	return &cp, true
}
