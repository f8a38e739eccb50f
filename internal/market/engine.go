package market

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/database"
	"github.com/aioarena/backend/internal/events"
	"github.com/aioarena/backend/internal/metrics"
)

// ============================================================================
// META-MARKET ENGINE - Lifecycle and settlement of competition markets
// ============================================================================

// Store is the relational slice the engine needs.
type Store interface {
	CreateMarket(ctx context.Context, m *core.MetaMarket) error
	MarketByID(ctx context.Context, id string) (*core.MetaMarket, error)
	MarketByCompetition(ctx context.Context, competitionID string) (*core.MetaMarket, error)
	ListOpenMarkets(ctx context.Context) ([]core.MetaMarket, error)
	TransitionMarket(ctx context.Context, competitionID string, from, to core.MarketStatus, extras map[string]interface{}) (*core.MetaMarket, bool, error)
	ListBetsByMarket(ctx context.Context, marketID string) ([]core.MetaBet, error)
	SettleBets(ctx context.Context, marketID, winningOutcome string) error
	RefundBets(ctx context.Context, marketID string) error
}

// Wallet is the money-movement slice, satisfied by the direct
// PostgreSQL wallet store.
type Wallet interface {
	EnsureWallet(ctx context.Context, userID string, startingBalance decimal.Decimal) error
	PlaceBet(ctx context.Context, bet *core.MetaBet) (*database.PlacedBet, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal) error
}

// Engine drives meta-markets through open -> locked -> resolved (or
// cancelled). Spectator and real competitions settle bets against the
// wallet store; sandbox competitions trade virtual portfolios through
// the in-memory book.
type Engine struct {
	store      Store
	wallet     Wallet
	bus        events.Emitter
	metrics    *metrics.Metrics
	maxBetSize float64
	sandbox    *SandboxBook
	logger     *log.Logger
}

// NewEngine creates the engine. metrics may be nil in tests.
func NewEngine(store Store, wallet Wallet, bus events.Emitter, m *metrics.Metrics, maxBetSize, sandboxBalance float64) *Engine {
	if maxBetSize <= 0 {
		maxBetSize = DefaultMaxBetSize
	}
	return &Engine{
		store:      store,
		wallet:     wallet,
		bus:        bus,
		metrics:    m,
		maxBetSize: maxBetSize,
		sandbox:    NewSandboxBook(sandboxBalance, maxBetSize),
		logger:     log.New(log.Writer(), "[MARKET] ", log.LstdFlags),
	}
}

// CreateForCompetition opens the meta-market for a freshly created
// competition, seeding one outcome per participant with odds derived
// from their ELO ratings.
func (e *Engine) CreateForCompetition(ctx context.Context, comp *core.Competition, agents []*core.Agent) (*core.MetaMarket, error) {
	elos := make(map[string]float64, len(agents))
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		elos[a.ID] = a.Rating
		names[a.ID] = a.Name
	}
	odds := OddsFromELO(elos)

	outcomes := make([]core.MarketOutcome, 0, len(agents))
	for _, a := range agents {
		outcomes = append(outcomes, core.MarketOutcome{
			OutcomeID:   a.ID,
			DisplayName: names[a.ID],
			InitialOdds: odds[a.ID],
		})
	}

	m := &core.MetaMarket{
		ID:            uuid.New().String(),
		CompetitionID: comp.ID,
		Status:        core.MarketOpen,
		Outcomes:      outcomes,
		CurrentOdds:   odds,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	if comp.StakeMode == core.StakeSandbox {
		e.sandbox.Open(comp.ID, m, elos)
	}
	e.logger.Printf("market %s opened for competition %s (%d outcomes)", m.ID, comp.ID, len(outcomes))
	return m, nil
}

// Lock freezes betting when the competition starts. A missing market is
// not an error: not every competition carries one.
func (e *Engine) Lock(ctx context.Context, competitionID string) error {
	_, applied, err := e.store.TransitionMarket(ctx, competitionID, core.MarketOpen, core.MarketLocked, nil)
	if err != nil {
		return err
	}
	if applied {
		e.logger.Printf("market for competition %s locked", competitionID)
	}
	return nil
}

// Resolve settles the market with the winning agent: the conditional
// transition moves locked->resolved (or open->resolved if the lock was
// missed), bets are marked won or lost, and winning bets pay their
// frozen potential payout into the bettor's wallet.
func (e *Engine) Resolve(ctx context.Context, competitionID, winnerAgentID string) error {
	extras := map[string]interface{}{"resolved_outcome": winnerAgentID}

	m, applied, err := e.store.TransitionMarket(ctx, competitionID, core.MarketLocked, core.MarketResolved, extras)
	if err != nil {
		return err
	}
	if !applied {
		m, applied, err = e.store.TransitionMarket(ctx, competitionID, core.MarketOpen, core.MarketResolved, extras)
		if err != nil {
			return err
		}
	}
	if !applied {
		// already resolved or cancelled; settlement happened with it
		return nil
	}

	if err := e.store.SettleBets(ctx, m.ID, winnerAgentID); err != nil {
		return err
	}
	if err := e.payoutWinners(ctx, m.ID, winnerAgentID); err != nil {
		return err
	}
	standings := e.sandbox.Resolve(competitionID, winnerAgentID)

	if e.metrics != nil {
		e.metrics.MarketsResolved.WithLabelValues(string(core.MarketResolved)).Inc()
	}
	if e.bus != nil {
		payload := map[string]interface{}{
			"marketId":        m.ID,
			"status":          string(core.MarketResolved),
			"resolvedOutcome": winnerAgentID,
		}
		if standings != nil {
			payload["portfolioScores"] = standings
		}
		e.bus.Emit(events.TypePriceUpdate, competitionID, payload)
	}
	e.logger.Printf("market %s resolved: winner %s", m.ID, winnerAgentID)
	return nil
}

// payoutWinners credits every winning bet's frozen payout.
func (e *Engine) payoutWinners(ctx context.Context, marketID, winnerAgentID string) error {
	bets, err := e.store.ListBetsByMarket(ctx, marketID)
	if err != nil {
		return err
	}
	for _, bet := range bets {
		if bet.OutcomeID != winnerAgentID {
			continue
		}
		if e.wallet == nil {
			continue
		}
		if err := e.wallet.Credit(ctx, bet.UserID, decimal.NewFromFloat(bet.PotentialPayout)); err != nil {
			// non-critical: log and keep paying the rest
			e.logger.Printf("payout failed for bet %s user %s: %v", bet.ID, bet.UserID, err)
		}
	}
	return nil
}

// Cancel voids the market when its competition is cancelled, refunding
// every active bet's stake.
func (e *Engine) Cancel(ctx context.Context, competitionID string) error {
	m, applied, err := e.store.TransitionMarket(ctx, competitionID, core.MarketLocked, core.MarketCancelled, nil)
	if err != nil {
		return err
	}
	if !applied {
		m, applied, err = e.store.TransitionMarket(ctx, competitionID, core.MarketOpen, core.MarketCancelled, nil)
		if err != nil {
			return err
		}
	}
	if !applied {
		return nil
	}

	bets, err := e.store.ListBetsByMarket(ctx, m.ID)
	if err != nil {
		return err
	}
	for _, bet := range bets {
		if bet.Status != core.BetActive {
			continue
		}
		if e.wallet != nil {
			if err := e.wallet.Credit(ctx, bet.UserID, decimal.NewFromFloat(bet.Amount)); err != nil {
				e.logger.Printf("refund failed for bet %s user %s: %v", bet.ID, bet.UserID, err)
			}
		}
	}
	if err := e.store.RefundBets(ctx, m.ID); err != nil {
		return err
	}
	e.sandbox.Drop(competitionID)

	if e.metrics != nil {
		e.metrics.MarketsResolved.WithLabelValues(string(core.MarketCancelled)).Inc()
	}
	e.logger.Printf("market %s cancelled, %d bets refunded", m.ID, len(bets))
	return nil
}

// PlaceBet accepts a spectator bet: validates the market is open and
// the outcome exists, freezes the current odds and the payout they
// imply, and runs the atomic debit+insert through the wallet store.
func (e *Engine) PlaceBet(ctx context.Context, userID, marketID, outcomeID string, amount float64) (*core.MetaBet, error) {
	if amount <= 0 {
		return nil, core.NewValidation("bet amount must be positive")
	}
	if amount > e.maxBetSize {
		return nil, core.NewValidation("bet amount %.2f exceeds the %.0f cap", amount, e.maxBetSize)
	}

	m, err := e.store.MarketByID(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != core.MarketOpen {
		return nil, core.NewState("market %s is %s, not open", marketID, m.Status)
	}

	odds, ok := m.CurrentOdds[outcomeID]
	if !ok {
		return nil, core.NewValidation("outcome %s does not exist on market %s", outcomeID, marketID)
	}
	if e.sandbox.Has(m.CompetitionID) {
		return e.placeSandboxBet(m, userID, outcomeID, amount, odds)
	}
	payout, err := AmericanPayout(amount, odds)
	if err != nil {
		return nil, err
	}

	bet := &core.MetaBet{
		ID:              uuid.New().String(),
		UserID:          userID,
		MarketID:        marketID,
		OutcomeID:       outcomeID,
		Amount:          amount,
		OddsAtBet:       odds,
		PotentialPayout: payout,
		Status:          core.BetActive,
	}
	// first-time bettors get a wallet row with the grant balance
	if err := e.wallet.EnsureWallet(ctx, userID, decimal.NewFromFloat(DefaultStartingBalance)); err != nil {
		return nil, err
	}
	placed, err := e.wallet.PlaceBet(ctx, bet)
	if err != nil {
		return nil, err
	}
	bet.ID = placed.BetID

	if e.metrics != nil {
		e.metrics.BetsPlaced.Inc()
	}
	if e.bus != nil {
		e.bus.Emit(events.TypePriceUpdate, m.CompetitionID, map[string]interface{}{
			"marketId":  marketID,
			"outcomeId": outcomeID,
			"odds":      odds,
			"volume":    m.TotalVolume + amount,
		})
	}
	return bet, nil
}

// placeSandboxBet routes a bet on a sandbox competition to the virtual
// book: no wallet movement, shares paid from the portfolio balance.
func (e *Engine) placeSandboxBet(m *core.MetaMarket, userID, outcomeID string, amount float64, odds int) (*core.MetaBet, error) {
	shares, prob, err := e.sandbox.PlaceBet(m.CompetitionID, userID, outcomeID, amount)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.BetsPlaced.Inc()
	}
	if e.bus != nil {
		e.bus.Emit(events.TypePriceUpdate, m.CompetitionID, map[string]interface{}{
			"marketId":    m.ID,
			"outcomeId":   outcomeID,
			"probability": prob,
			"sandbox":     true,
		})
	}
	return &core.MetaBet{
		ID:              uuid.New().String(),
		UserID:          userID,
		MarketID:        m.ID,
		OutcomeID:       outcomeID,
		Amount:          amount,
		OddsAtBet:       odds,
		PotentialPayout: shares, // winning sandbox shares pay 1 each
		Status:          core.BetActive,
	}, nil
}

// SandboxStandings ranks the competition's virtual portfolios by their
// composite trading score.
func (e *Engine) SandboxStandings(ctx context.Context, competitionID string) ([]PortfolioScore, error) {
	scores, ok := e.sandbox.Standings(competitionID)
	if !ok {
		return nil, core.NewNotFound("competition %s has no sandbox markets", competitionID)
	}
	return scores, nil
}

// SandboxPortfolio returns one bettor's portfolio on a sandbox
// competition.
func (e *Engine) SandboxPortfolio(ctx context.Context, competitionID, userID string) (*VirtualPortfolio, error) {
	vp, ok := e.sandbox.Portfolio(competitionID, userID)
	if !ok {
		return nil, core.NewNotFound("no portfolio for user on competition %s", competitionID)
	}
	return vp, nil
}
