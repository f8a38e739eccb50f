package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// WALLET STORE - Direct PostgreSQL path for money movements
// ============================================================================

// WalletStore handles every balance mutation over a direct PostgreSQL
// connection. Bets debit the wallet, insert the bet row and bump the
// market pool inside one transaction with the wallet row locked, so a
// user cannot spend the same balance twice across concurrent requests.
type WalletStore struct {
	db *sql.DB
}

// NewWalletStore opens the direct PostgreSQL connection. The URL is the
// Supabase connection string, not the REST endpoint.
func NewWalletStore(databaseURL string) (*WalletStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &WalletStore{db: db}, nil
}

// Close releases the connection pool.
func (w *WalletStore) Close() error {
	return w.db.Close()
}

// EnsureWallet creates the wallet row with the starting balance if the
// user has none yet. Existing balances are never touched.
func (w *WalletStore) EnsureWallet(ctx context.Context, userID string, startingBalance decimal.Decimal) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO user_wallets (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO NOTHING`,
		userID, startingBalance)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "ensure wallet for %s", userID)
	}
	return nil
}

// Balance returns the current wallet balance.
func (w *WalletStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := w.db.QueryRowContext(ctx,
		`SELECT balance FROM user_wallets WHERE user_id = $1`, userID).
		Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, core.NewNotFound("wallet for %s not found", userID)
	}
	if err != nil {
		return decimal.Zero, core.WrapError(core.KindPersistence, err, "read balance for %s", userID)
	}
	return balance, nil
}

// Credit adds a payout or refund to the wallet.
func (w *WalletStore) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return core.NewValidation("credit amount must not be negative")
	}
	res, err := w.db.ExecContext(ctx, `
		UPDATE user_wallets
		SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1`,
		userID, amount)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "credit wallet for %s", userID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("wallet for %s not found", userID)
	}
	return nil
}

// PlacedBet is the durable outcome of an accepted bet.
type PlacedBet struct {
	BetID      string
	NewBalance decimal.Decimal
}

// PlaceBet runs the whole bet placement as one transaction:
//
//  1. lock the wallet row and check the balance
//  2. lock the market row and check it is still open
//  3. debit the wallet, insert the bet at the odds passed in,
//     bump the market pool
//
// The odds come from the caller, which computed them from the CPMM
// before calling; they are frozen into the bet row here.
func (w *WalletStore) PlaceBet(ctx context.Context, bet *core.MetaBet) (*PlacedBet, error) {
	amount := decimal.NewFromFloat(bet.Amount)
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, core.NewValidation("bet amount must be positive")
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "begin bet transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM user_wallets WHERE user_id = $1 FOR UPDATE`,
		bet.UserID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		err = core.NewNotFound("wallet for %s not found", bet.UserID)
		return nil, err
	}
	if err != nil {
		err = core.WrapError(core.KindPersistence, err, "lock wallet for %s", bet.UserID)
		return nil, err
	}
	if balance.LessThan(amount) {
		err = core.NewValidation("insufficient balance: have %s, need %s", balance.String(), amount.String())
		return nil, err
	}

	var marketStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM meta_markets WHERE id = $1 FOR UPDATE`,
		bet.MarketID).Scan(&marketStatus)
	if errors.Is(err, sql.ErrNoRows) {
		err = core.NewNotFound("market %s not found", bet.MarketID)
		return nil, err
	}
	if err != nil {
		err = core.WrapError(core.KindPersistence, err, "lock market %s", bet.MarketID)
		return nil, err
	}
	if marketStatus != string(core.MarketOpen) {
		err = core.NewState("market %s is %s, not open", bet.MarketID, marketStatus)
		return nil, err
	}

	newBalance := balance.Sub(amount)
	_, err = tx.ExecContext(ctx, `
		UPDATE user_wallets
		SET balance = $2, updated_at = NOW()
		WHERE user_id = $1`,
		bet.UserID, newBalance)
	if err != nil {
		err = core.WrapError(core.KindPersistence, err, "debit wallet for %s", bet.UserID)
		return nil, err
	}

	betID := bet.ID
	if betID == "" {
		betID = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta_bets (id, user_id, market_id, outcome_id, amount, odds_at_bet, potential_payout, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		betID, bet.UserID, bet.MarketID, bet.OutcomeID,
		amount, bet.OddsAtBet, decimal.NewFromFloat(bet.PotentialPayout), string(core.BetActive))
	if err != nil {
		err = core.WrapError(core.KindPersistence, err, "insert bet")
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE meta_markets
		SET total_volume = total_volume + $2, total_bets = total_bets + 1
		WHERE id = $1`,
		bet.MarketID, amount)
	if err != nil {
		err = core.WrapError(core.KindPersistence, err, "update market pool for %s", bet.MarketID)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = core.WrapError(core.KindPersistence, err, "commit bet transaction")
		return nil, err
	}
	return &PlacedBet{BetID: betID, NewBalance: newBalance}, nil
}
