package market

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// AUTO-RESOLVER - Safety net for markets event-driven resolution missed
// ============================================================================

// CompetitionLoader is the read the resolver needs to decide a market's
// fate.
type CompetitionLoader interface {
	LoadCompetition(ctx context.Context, id string) (*core.Competition, error)
}

// AutoResolver periodically sweeps markets still open long after their
// competition ended. It complements the event-driven path that resolves
// on competition:end: a crash between the end transition and the market
// settlement leaves an open market this sweep picks up.
type AutoResolver struct {
	engine       *Engine
	competitions CompetitionLoader
	staleAfter   time.Duration
	interval     time.Duration
	cron         *cron.Cron
	logger       *log.Logger
}

// NewAutoResolver creates the resolver with the configured stale
// threshold (default 25 h) and sweep interval (default 30 min).
func NewAutoResolver(engine *Engine, competitions CompetitionLoader, staleHours, intervalMin int) *AutoResolver {
	if staleHours <= 0 {
		staleHours = 25
	}
	if intervalMin <= 0 {
		intervalMin = 30
	}
	return &AutoResolver{
		engine:       engine,
		competitions: competitions,
		staleAfter:   time.Duration(staleHours) * time.Hour,
		interval:     time.Duration(intervalMin) * time.Minute,
		cron:         cron.New(),
		logger:       log.New(log.Writer(), "[RESOLVER] ", log.LstdFlags),
	}
}

// Start schedules the periodic sweep.
func (r *AutoResolver) Start() error {
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		r.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Printf("auto-resolver started: every %s, stale after %s", r.interval, r.staleAfter)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *AutoResolver) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep walks every still-open market: a market whose competition
// ended more than the stale threshold ago is resolved with the winner,
// or cancelled alongside a cancelled competition. Everything else is
// skipped. Returns the number of markets acted on.
func (r *AutoResolver) Sweep(ctx context.Context) int {
	markets, err := r.engine.store.ListOpenMarkets(ctx)
	if err != nil {
		r.logger.Printf("sweep aborted, cannot list open markets: %v", err)
		return 0
	}

	acted := 0
	now := time.Now().UTC()
	for _, m := range markets {
		comp, err := r.competitions.LoadCompetition(ctx, m.CompetitionID)
		if err != nil {
			r.logger.Printf("skipping market %s, competition %s unreadable: %v", m.ID, m.CompetitionID, err)
			continue
		}
		if comp.EndedAt == nil || now.Sub(*comp.EndedAt) < r.staleAfter {
			continue
		}

		switch comp.Status {
		case core.StatusCancelled:
			if err := r.engine.Cancel(ctx, comp.ID); err != nil {
				r.logger.Printf("cancel failed for stale market %s: %v", m.ID, err)
				continue
			}
			r.logger.Printf("stale market %s cancelled with competition %s", m.ID, comp.ID)
			acted++
		case core.StatusCompleted:
			if comp.WinnerAgentID == "" {
				r.logger.Printf("skipping stale market %s: completed competition %s has no winner", m.ID, comp.ID)
				continue
			}
			if err := r.engine.Resolve(ctx, comp.ID, comp.WinnerAgentID); err != nil {
				r.logger.Printf("resolve failed for stale market %s: %v", m.ID, err)
				continue
			}
			r.logger.Printf("stale market %s resolved: winner %s", m.ID, comp.WinnerAgentID)
			acted++
		default:
			// competition still in flight; leave the market alone
		}
	}
	return acted
}
