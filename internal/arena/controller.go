package arena

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/dispatch"
	"github.com/aioarena/backend/internal/events"
	"github.com/aioarena/backend/internal/metrics"
	"github.com/aioarena/backend/internal/scoring"
	"github.com/aioarena/backend/internal/tasks"
)

// ============================================================================
// COMPETITION CONTROLLER - One state machine per running competition
// ============================================================================

// Store is the relational slice a controller reads and writes.
type Store interface {
	LoadCompetition(ctx context.Context, id string) (*core.Competition, error)
	TransitionCompetition(ctx context.Context, id string, from, to core.CompetitionStatus, extras map[string]interface{}) (*core.Competition, bool, error)
	ListParticipants(ctx context.Context, competitionID string) ([]core.Participant, error)
	CountParticipants(ctx context.Context, competitionID string) (int, error)
	LoadAgent(ctx context.Context, id string) (*core.Agent, error)
	AppendTurnEvent(ctx context.Context, ev *core.TurnEvent) error
}

// Snapshots is the KV slice used for crash recovery.
type Snapshots interface {
	WriteSnapshot(ctx context.Context, snap *core.Snapshot) error
	ReadAllSnapshots(ctx context.Context) ([]*core.Snapshot, error)
	RemoveSnapshot(ctx context.Context, competitionID string) error
}

// Dispatcher invokes one agent for one turn.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent *core.Agent, competitionID string, task *tasks.Task, state *core.TurnState) (*core.TurnResult, error)
}

// Rater applies the post-competition rating period.
type Rater interface {
	UpdateAfter(ctx context.Context, competitionID string, agents []*core.Agent, leaderboard []core.LeaderboardEntry, domainID string)
}

// MarketResolver drives the linked meta-market through the competition
// lifecycle.
type MarketResolver interface {
	Lock(ctx context.Context, competitionID string) error
	Resolve(ctx context.Context, competitionID, winnerAgentID string) error
	Cancel(ctx context.Context, competitionID string) error
}

// TaskProgress is the live view of one task's progress, served on the
// /live endpoint.
type TaskProgress struct {
	TaskID      string `json:"id"`
	TaskName    string `json:"taskName"`
	Status      string `json:"status"` // pending, running, completed
	ResultCount int    `json:"resultCount"`
}

// participantState is a controller-private view of one agent's run.
type participantState struct {
	agent *core.Agent
	state core.TurnState

	// retired stops dispatches for the rest of the current task;
	// failed stops them for the rest of the competition.
	retired bool
	failed  bool

	taskScore    float64
	totalScore   float64
	totalElapsed int64
	eventsWon    int
	completed    int
}

// Controller drives one competition from running to its terminal
// state. Created by the Manager after it wins the lobby->running
// conditional update; never reused.
type Controller struct {
	comp *core.Competition

	store      Store
	snapshots  Snapshots
	dispatcher Dispatcher
	rater      Rater
	resolver   MarketResolver
	registry   *tasks.Registry
	bus        events.Emitter
	metrics    *metrics.Metrics

	turnTimeout time.Duration
	logger      *log.Logger

	mu          sync.RWMutex
	turnIndex   int
	leaderboard []core.LeaderboardEntry
	progress    []TaskProgress

	runCancel context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// ControllerDeps bundles everything a controller needs.
type ControllerDeps struct {
	Store       Store
	Snapshots   Snapshots
	Dispatcher  Dispatcher
	Rater       Rater
	Resolver    MarketResolver
	Registry    *tasks.Registry
	Bus         events.Emitter
	Metrics     *metrics.Metrics
	TurnTimeout time.Duration
}

// NewController creates a controller for an already-transitioned row.
func NewController(comp *core.Competition, deps ControllerDeps) *Controller {
	timeout := deps.TurnTimeout
	if timeout <= 0 {
		timeout = dispatch.DefaultTimeout
	}
	return &Controller{
		comp:        comp,
		store:       deps.Store,
		snapshots:   deps.Snapshots,
		dispatcher:  deps.Dispatcher,
		rater:       deps.Rater,
		resolver:    deps.Resolver,
		registry:    deps.Registry,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		turnTimeout: timeout,
		logger:      log.New(log.Writer(), fmt.Sprintf("[ARENA %s] ", shortID(comp.ID)), log.LstdFlags),
		done:        make(chan struct{}),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CompetitionID returns the competition this controller drives.
func (c *Controller) CompetitionID() string { return c.comp.ID }

// Done closes when the controller has reached a terminal state.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Cancel signals the turn loop. The in-flight wave finishes or times
// out; no further waves are issued.
func (c *Controller) Cancel() {
	c.mu.Lock()
	already := c.cancelled
	c.cancelled = true
	cancel := c.runCancel
	c.mu.Unlock()

	if already {
		return
	}
	c.logger.Printf("cancellation requested")
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) isCancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled
}

// Live returns the current turn index, leaderboard and per-task
// progress for spectator reads.
func (c *Controller) Live() (int, []core.LeaderboardEntry, []TaskProgress) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lb := append([]core.LeaderboardEntry(nil), c.leaderboard...)
	pr := append([]TaskProgress(nil), c.progress...)
	return c.turnIndex, lb, pr
}

// Run drives the competition to a terminal state. Blocking; the
// manager runs it on its own goroutine. Panics are contained here: the
// competition is cancelled with an explanatory event and Run returns.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.runCancel = cancel
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("controller panic: %v", r)
			c.failCompetition(fmt.Sprintf("internal error: %v", r))
		}
	}()

	participants, err := c.initialise(runCtx)
	if err != nil {
		c.logger.Printf("initialisation failed: %v", err)
		c.failCompetition(err.Error())
		return
	}

	outcome := c.runTasks(runCtx, participants)
	c.finish(participants, outcome)
}

// initialise loads participants and their agents, builds the
// leaderboard skeleton, announces the start and snapshots it.
func (c *Controller) initialise(ctx context.Context) ([]*participantState, error) {
	rows, err := c.store.ListParticipants(ctx, c.comp.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, core.NewValidation("competition %s has %d participants, need at least 2", c.comp.ID, len(rows))
	}

	participants := make([]*participantState, 0, len(rows))
	for _, row := range rows {
		agent, err := c.store.LoadAgent(ctx, row.AgentID)
		if err != nil {
			return nil, err
		}
		participants = append(participants, &participantState{agent: agent})
	}

	progress := make([]TaskProgress, 0, len(c.comp.TaskIDs))
	for _, taskID := range c.comp.TaskIDs {
		name := taskID
		if task, ok := c.registry.Get(taskID); ok {
			name = task.Name
		}
		progress = append(progress, TaskProgress{TaskID: taskID, TaskName: name, Status: "pending"})
	}

	c.mu.Lock()
	c.progress = progress
	c.leaderboard = buildLeaderboard(participants)
	c.mu.Unlock()

	if err := c.resolver.Lock(ctx, c.comp.ID); err != nil {
		c.logger.Printf("market lock failed (continuing): %v", err)
	}

	names := make([]map[string]interface{}, 0, len(participants))
	for _, p := range participants {
		names = append(names, map[string]interface{}{"agentId": p.agent.ID, "agentName": p.agent.Name})
	}
	c.bus.Emit(events.TypeCompetitionStart, c.comp.ID, map[string]interface{}{
		"name":         c.comp.Name,
		"taskCount":    len(c.comp.TaskIDs),
		"participants": names,
	})
	c.snapshot(core.StatusRunning, 0)
	c.logger.Printf("started: %d participants, %d tasks", len(participants), len(c.comp.TaskIDs))
	return participants, nil
}

// runTasks executes the task list and returns the terminal status the
// row should transition to.
func (c *Controller) runTasks(ctx context.Context, participants []*participantState) core.CompetitionStatus {
	for taskIdx, taskID := range c.comp.TaskIDs {
		if c.isCancelled() || ctx.Err() != nil {
			return core.StatusCancelled
		}

		task, ok := c.registry.Get(taskID)
		if !ok {
			c.logger.Printf("task %s not in registry, skipping", taskID)
			c.setTaskStatus(taskIdx, "completed")
			continue
		}
		c.setTaskStatus(taskIdx, "running")

		// every non-failed agent gets a fresh attempt at each task
		for _, p := range participants {
			p.retired = p.failed
			p.taskScore = 0
			p.state = core.TurnState{URL: task.StartURL}
		}

		for turn := 1; turn <= task.MaxTurns; turn++ {
			if c.isCancelled() || ctx.Err() != nil {
				return core.StatusCancelled
			}

			wave := activeParticipants(participants)
			if len(wave) == 0 {
				break
			}
			c.runWave(ctx, task, taskIdx, turn, wave)

			c.mu.Lock()
			c.leaderboard = buildLeaderboard(participants)
			lb := append([]core.LeaderboardEntry(nil), c.leaderboard...)
			c.mu.Unlock()
			c.bus.Emit(events.TypeLeaderboardUpdate, c.comp.ID, map[string]interface{}{
				"taskId":      task.ID,
				"turn":        turn,
				"leaderboard": lb,
			})
		}

		c.awardTaskWin(participants)
		c.setTaskStatus(taskIdx, "completed")
		c.mu.Lock()
		c.turnIndex = taskIdx + 1
		c.mu.Unlock()
		c.snapshot(core.StatusRunning, taskIdx+1)
	}

	if c.isCancelled() || ctx.Err() != nil {
		return core.StatusCancelled
	}
	return core.StatusCompleted
}

// runWave dispatches one turn to every active participant in parallel
// and scores the results. The wave shares a deadline; a cancelled
// controller context propagates into in-flight dispatches.
func (c *Controller) runWave(ctx context.Context, task *tasks.Task, taskIdx, turn int, wave []*participantState) {
	deadlineCtx, cancel := context.WithTimeout(ctx, c.turnTimeout)
	defer cancel()
	g, waveCtx := errgroup.WithContext(deadlineCtx)

	for _, p := range wave {
		p := p
		g.Go(func() error {
			p.state.TurnNumber = turn
			started := time.Now()
			result, err := c.dispatcher.Dispatch(waveCtx, p.agent, c.comp.ID, task, &p.state)
			elapsed := time.Since(started)

			ev := &core.TurnEvent{
				CompetitionID: c.comp.ID,
				TaskID:        task.ID,
				AgentID:       p.agent.ID,
				TurnIndex:     turn,
				ElapsedMs:     elapsed.Milliseconds(),
				CreatedAt:     time.Now().UTC(),
			}

			if err != nil {
				kind := string(dispatch.KindOf(err))
				ev.ErrorKind = kind
				c.metrics.RecordDispatch(string(p.agent.Kind), kind, elapsed.Seconds())
				c.logger.Printf("agent %s turn %d failed: %v", p.agent.ID, turn, err)

				// transport-class failures retire the agent for this
				// task; validation and credential failures are final
				p.retired = true
				if core.IsKind(err, core.KindValidation) || core.IsKind(err, core.KindEncryption) {
					p.failed = true
				}
			} else {
				score := scoring.Score(task, result, elapsed.Milliseconds())
				ev.Score = score.Points
				ev.RawResponse = truncate(result.RawResponse, 8192)
				c.metrics.RecordDispatch(string(p.agent.Kind), "ok", elapsed.Seconds())

				p.taskScore += score.Points
				p.totalScore += score.Points
				p.totalElapsed += elapsed.Milliseconds()
				p.state.PreviousActions = append(p.state.PreviousActions, result.Actions...)
				if result.Done {
					p.retired = true
					p.completed++
				}
			}

			// history rows are non-critical: log and move on
			if storeErr := c.store.AppendTurnEvent(ctx, ev); storeErr != nil {
				c.logger.Printf("turn event write failed for %s: %v", p.agent.ID, storeErr)
			}
			c.bumpResultCount(taskIdx)
			return nil
		})
	}
	_ = g.Wait()
}

// awardTaskWin credits the highest task score, if anyone scored.
func (c *Controller) awardTaskWin(participants []*participantState) {
	var best *participantState
	for _, p := range participants {
		if p.taskScore <= 0 {
			continue
		}
		if best == nil || p.taskScore > best.taskScore {
			best = p
		}
	}
	if best != nil {
		best.eventsWon++
	}
}

// finish transitions the row, settles ratings and markets on
// completion, and publishes competition:end exactly once.
func (c *Controller) finish(participants []*participantState, outcome core.CompetitionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.mu.RLock()
	leaderboard := append([]core.LeaderboardEntry(nil), c.leaderboard...)
	c.mu.RUnlock()

	switch outcome {
	case core.StatusCompleted:
		winnerID := ""
		if len(leaderboard) > 0 {
			winnerID = leaderboard[0].AgentID
		}
		_, applied, err := c.store.TransitionCompetition(ctx, c.comp.ID, core.StatusRunning, core.StatusCompleted,
			map[string]interface{}{"winner_agent_id": winnerID})
		if err != nil || !applied {
			c.logger.Printf("completed transition not applied (applied=%v err=%v)", applied, err)
			break
		}

		// rating update and market resolution run exactly once,
		// after the conditional update succeeded
		agents := make([]*core.Agent, 0, len(participants))
		for _, p := range participants {
			agents = append(agents, p.agent)
		}
		c.rater.UpdateAfter(ctx, c.comp.ID, agents, leaderboard, c.comp.DomainID)
		if winnerID != "" {
			if err := c.resolver.Resolve(ctx, c.comp.ID, winnerID); err != nil {
				c.logger.Printf("market resolve failed: %v", err)
			}
		}
		if c.metrics != nil {
			c.metrics.CompetitionsEnded.WithLabelValues("completed").Inc()
		}

	case core.StatusCancelled:
		_, _, err := c.store.TransitionCompetition(ctx, c.comp.ID, core.StatusRunning, core.StatusCancelled, nil)
		if err != nil {
			c.logger.Printf("cancelled transition failed: %v", err)
		}
		if err := c.resolver.Cancel(ctx, c.comp.ID); err != nil {
			c.logger.Printf("market cancel failed: %v", err)
		}
		if c.metrics != nil {
			c.metrics.CompetitionsEnded.WithLabelValues("cancelled").Inc()
		}
	}

	c.bus.Emit(events.TypeCompetitionEnd, c.comp.ID, map[string]interface{}{
		"outcome":     string(outcome),
		"leaderboard": leaderboard,
	})
	if err := c.snapshots.RemoveSnapshot(ctx, c.comp.ID); err != nil {
		c.logger.Printf("snapshot removal failed: %v", err)
	}
	c.logger.Printf("finished: %s", outcome)
}

// failCompetition handles setup failures and panics: the row moves to
// cancelled (never back to lobby) after an explanatory event.
func (c *Controller) failCompetition(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c.bus.Emit(events.TypeCompetitionEnd, c.comp.ID, map[string]interface{}{
		"outcome": string(core.StatusCancelled),
		"error":   reason,
	})
	if _, _, err := c.store.TransitionCompetition(ctx, c.comp.ID, core.StatusRunning, core.StatusCancelled, nil); err != nil {
		c.logger.Printf("failure transition failed: %v", err)
	}
	if err := c.resolver.Cancel(ctx, c.comp.ID); err != nil {
		c.logger.Printf("market cancel failed: %v", err)
	}
	if err := c.snapshots.RemoveSnapshot(ctx, c.comp.ID); err != nil {
		c.logger.Printf("snapshot removal failed: %v", err)
	}
	if c.metrics != nil {
		c.metrics.CompetitionsEnded.WithLabelValues("cancelled").Inc()
	}
}

// snapshot persists the minimum recovery state. Failures are logged;
// a missing snapshot only costs recovery precision.
func (c *Controller) snapshot(status core.CompetitionStatus, turnIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap := &core.Snapshot{
		CompetitionID: c.comp.ID,
		Name:          c.comp.Name,
		Status:        status,
		TurnIndex:     turnIndex,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := c.snapshots.WriteSnapshot(ctx, snap); err != nil {
		c.logger.Printf("snapshot write failed: %v", err)
	}
}

func (c *Controller) setTaskStatus(taskIdx int, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if taskIdx < len(c.progress) {
		c.progress[taskIdx].Status = status
	}
}

func (c *Controller) bumpResultCount(taskIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if taskIdx < len(c.progress) {
		c.progress[taskIdx].ResultCount++
	}
}

func activeParticipants(participants []*participantState) []*participantState {
	out := make([]*participantState, 0, len(participants))
	for _, p := range participants {
		if !p.retired {
			out = append(out, p)
		}
	}
	return out
}

// buildLeaderboard derives the ranking: total score descending, total
// elapsed milliseconds ascending as the tiebreak.
func buildLeaderboard(participants []*participantState) []core.LeaderboardEntry {
	entries := make([]core.LeaderboardEntry, 0, len(participants))
	for _, p := range participants {
		entries = append(entries, core.LeaderboardEntry{
			AgentID:         p.agent.ID,
			AgentName:       p.agent.Name,
			TotalScore:      p.totalScore,
			EventsWon:       p.eventsWon,
			EventsCompleted: p.completed,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TotalScore != entries[j].TotalScore {
			return entries[i].TotalScore > entries[j].TotalScore
		}
		return participantElapsed(participants, entries[i].AgentID) < participantElapsed(participants, entries[j].AgentID)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

func participantElapsed(participants []*participantState, agentID string) int64 {
	for _, p := range participants {
		if p.agent.ID == agentID {
			return p.totalElapsed
		}
	}
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
