package arena

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/events"
	"github.com/aioarena/backend/internal/metrics"
	"github.com/aioarena/backend/internal/tasks"
)

// ============================================================================
// COMPETITION MANAGER - Admission, scheduling, crash recovery
// ============================================================================

const (
	// DefaultMaxConcurrent bounds simultaneously running competitions.
	DefaultMaxConcurrent = 10

	// capacityRetryAfter is surfaced to callers hitting the cap.
	capacityRetryAfter = 30 * time.Second

	// drainTimeout bounds how long CancelAll waits for in-flight waves.
	drainTimeout = 30 * time.Second
)

// Manager owns the set of live controllers. It is the only component
// allowed to start one, which is what makes the lobby->running
// conditional update race-free process-wide.
type Manager struct {
	store     Store
	snapshots Snapshots
	deps      ControllerDeps
	metrics   *metrics.Metrics
	max       int
	logger    *log.Logger

	mu     sync.Mutex
	active map[string]*Controller
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store         Store
	Snapshots     Snapshots
	Dispatcher    Dispatcher
	Rater         Rater
	Resolver      MarketResolver
	Registry      *tasks.Registry
	Bus           events.Emitter
	Metrics       *metrics.Metrics
	MaxConcurrent int
	TurnTimeout   time.Duration
}

// NewManager builds a manager. MaxConcurrent defaults to 10.
func NewManager(opts ManagerOptions) *Manager {
	max := opts.MaxConcurrent
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	return &Manager{
		store:     opts.Store,
		snapshots: opts.Snapshots,
		deps: ControllerDeps{
			Store:       opts.Store,
			Snapshots:   opts.Snapshots,
			Dispatcher:  opts.Dispatcher,
			Rater:       opts.Rater,
			Resolver:    opts.Resolver,
			Registry:    opts.Registry,
			Bus:         opts.Bus,
			Metrics:     opts.Metrics,
			TurnTimeout: opts.TurnTimeout,
		},
		metrics: opts.Metrics,
		max:     max,
		logger:  log.New(log.Writer(), "[MANAGER] ", log.LstdFlags),
	}
}

// ActiveCount returns how many competitions are currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ActiveIDs returns the ids of running competitions.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the live controller for a competition, if any.
func (m *Manager) Get(competitionID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.active[competitionID]
	return ctrl, ok
}

// Start admits a competition: capacity and participant checks, then the
// conditional lobby->running update. Exactly one caller wins a
// concurrent start; losers get a Duplicate error. The controller loop
// runs on its own goroutine and deregisters itself on exit.
//
// Error kinds map to the HTTP surface: Capacity carries a retry hint,
// Validation covers too few participants, NotFound a missing row,
// Duplicate an already-running competition and State a finished one.
func (m *Manager) Start(ctx context.Context, competitionID string) (*core.Competition, error) {
	if err := m.reserve(competitionID); err != nil {
		return nil, err
	}
	comp, err := m.admit(ctx, competitionID)
	if err != nil {
		m.release(competitionID)
		return nil, err
	}

	ctrl := NewController(comp, m.deps)
	m.mu.Lock()
	m.active[competitionID] = ctrl
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveCompetitions.Inc()
	}
	m.logger.Printf("competition %s admitted (%d/%d running)", competitionID, m.ActiveCount(), m.max)

	go func() {
		ctrl.Run(context.Background())
		m.release(competitionID)
		if m.metrics != nil {
			m.metrics.ActiveCompetitions.Dec()
		}
	}()
	return comp, nil
}

// reserve holds a slot under the lock so concurrent Starts cannot
// oversubscribe between the capacity check and registration.
func (m *Manager) reserve(competitionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		m.active = make(map[string]*Controller)
	}
	if _, exists := m.active[competitionID]; exists {
		return core.NewDuplicate("competition %s already started", competitionID)
	}
	if len(m.active) >= m.max {
		return core.NewCapacity(capacityRetryAfter, "at capacity: %d competitions running", len(m.active))
	}
	m.active[competitionID] = nil // placeholder until admission settles
	return nil
}

func (m *Manager) release(competitionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, competitionID)
}

// admit validates the row and performs the conditional transition.
func (m *Manager) admit(ctx context.Context, competitionID string) (*core.Competition, error) {
	count, err := m.store.CountParticipants(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if count < 2 {
		return nil, core.NewValidation("competition %s has %d participants, need at least 2", competitionID, count)
	}

	comp, applied, err := m.store.TransitionCompetition(ctx, competitionID, core.StatusLobby, core.StatusRunning, nil)
	if err != nil {
		return nil, err
	}
	if applied {
		return comp, nil
	}

	// lost the race or the row is past lobby: load it to say which
	row, err := m.store.LoadCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	switch row.Status {
	case core.StatusRunning:
		return nil, core.NewDuplicate("competition %s already started", competitionID)
	default:
		return nil, core.NewState("competition %s is %s, cannot start", competitionID, row.Status)
	}
}

// Cancel requests cancellation of a running competition. The
// controller drains its in-flight wave before transitioning.
func (m *Manager) Cancel(competitionID string) error {
	ctrl, ok := m.Get(competitionID)
	if !ok || ctrl == nil {
		return core.NewNotFound("competition %s is not running", competitionID)
	}
	ctrl.Cancel()
	return nil
}

// CancelAll cancels every live competition and waits, bounded, for the
// controllers to drain. Used on graceful shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.active))
	for _, ctrl := range m.active {
		if ctrl != nil {
			ctrls = append(ctrls, ctrl)
		}
	}
	m.mu.Unlock()

	if len(ctrls) == 0 {
		return
	}
	m.logger.Printf("shutting down: cancelling %d competitions", len(ctrls))
	for _, ctrl := range ctrls {
		ctrl.Cancel()
	}
	deadline := time.After(drainTimeout)
	for _, ctrl := range ctrls {
		select {
		case <-ctrl.Done():
		case <-deadline:
			m.logger.Printf("drain timeout: competition %s still in flight", ctrl.CompetitionID())
			return
		}
	}
}

// Recover sweeps crash leftovers at startup: any snapshot whose
// competition never reached a terminal state marks the row cancelled
// and drops the snapshot. Competitions are never resumed mid-flight.
func (m *Manager) Recover(ctx context.Context) error {
	snaps, err := m.snapshots.ReadAllSnapshots(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, snap := range snaps {
		switch snap.Status {
		case core.StatusCompleted, core.StatusCancelled:
			// terminal snapshot that missed its cleanup
		default:
			if _, _, err := m.store.TransitionCompetition(ctx, snap.CompetitionID, core.StatusRunning, core.StatusCancelled, nil); err != nil {
				m.logger.Printf("recovery: transition failed for %s: %v", snap.CompetitionID, err)
				continue
			}
			m.logger.Printf("recovery: competition %s (%q, turn %d) marked cancelled after restart",
				snap.CompetitionID, snap.Name, snap.TurnIndex)
			recovered++
		}
		if err := m.snapshots.RemoveSnapshot(ctx, snap.CompetitionID); err != nil {
			m.logger.Printf("recovery: snapshot removal failed for %s: %v", snap.CompetitionID, err)
		}
	}
	if recovered > 0 {
		m.logger.Printf("recovery complete: %d competitions cancelled", recovered)
	}
	return nil
}
