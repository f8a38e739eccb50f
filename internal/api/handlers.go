package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/database"
)

// ===== competitions =====

type createCompetitionRequest struct {
	Name            string   `json:"name"`
	DomainID        string   `json:"domainId,omitempty"`
	StakeMode       string   `json:"stakeMode,omitempty"`
	EntryFee        float64  `json:"entryFee,omitempty"`
	MaxParticipants int      `json:"maxParticipants,omitempty"`
	TaskIDs         []string `json:"taskIds"`
	AgentIDs        []string `json:"agentIds,omitempty"`
}

// handleCreateCompetition creates a lobby row, enrols any named agents
// and seeds the meta-market over them.
func (s *Server) handleCreateCompetition(w http.ResponseWriter, r *http.Request) {
	userID := s.user(r)
	if userID == "" {
		writeKindError(w, core.NewAuthorization("authentication required"), nil)
		return
	}

	var req createCompetitionRequest
	if err := decodeBody(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	if req.Name == "" {
		writeKindError(w, core.NewValidation("name is required"), nil)
		return
	}
	if len(req.TaskIDs) == 0 {
		writeKindError(w, core.NewValidation("at least one task is required"), nil)
		return
	}
	for _, taskID := range req.TaskIDs {
		if _, ok := s.registry.Get(taskID); !ok {
			writeKindError(w, core.NewValidation("unknown task %s", taskID), nil)
			return
		}
	}
	stakeMode := core.StakeMode(req.StakeMode)
	if req.StakeMode == "" {
		stakeMode = core.StakeSandbox
	}
	switch stakeMode {
	case core.StakeSandbox, core.StakeSpectator, core.StakeReal:
	default:
		writeKindError(w, core.NewValidation("unsupported stake mode %q", req.StakeMode), nil)
		return
	}
	if stakeMode == core.StakeSandbox && req.EntryFee != 0 {
		writeKindError(w, core.NewValidation("sandbox competitions have no entry fee"), nil)
		return
	}
	maxParticipants := req.MaxParticipants
	if maxParticipants == 0 {
		maxParticipants = 8
	}
	if maxParticipants < 2 || maxParticipants > 64 {
		writeKindError(w, core.NewValidation("maxParticipants must be in [2,64]"), nil)
		return
	}

	comp := &core.Competition{
		ID:              uuid.NewString(),
		Name:            req.Name,
		CreatorID:       userID,
		DomainID:        req.DomainID,
		Status:          core.StatusLobby,
		StakeMode:       stakeMode,
		EntryFee:        req.EntryFee,
		MaxParticipants: maxParticipants,
		TaskIDs:         req.TaskIDs,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateCompetition(r.Context(), comp); err != nil {
		writeKindError(w, err, nil)
		return
	}

	agents := make([]*core.Agent, 0, len(req.AgentIDs))
	for _, agentID := range req.AgentIDs {
		agent, err := s.store.LoadAgent(r.Context(), agentID)
		if err != nil {
			writeKindError(w, err, nil)
			return
		}
		if err := s.store.AddParticipant(r.Context(), &core.Participant{
			CompetitionID: comp.ID,
			AgentID:       agent.ID,
			AgentName:     agent.Name,
			JoinedAt:      time.Now().UTC(),
		}); err != nil && !core.IsKind(err, core.KindDuplicate) {
			writeKindError(w, err, nil)
			return
		}
		agents = append(agents, agent)
	}

	var marketID string
	if s.markets != nil {
		m, err := s.markets.CreateForCompetition(r.Context(), comp, agents)
		if err != nil {
			// the competition stands even when market seeding fails
			s.logger.Printf("market seeding failed for %s: %v", comp.ID, err)
		} else {
			marketID = m.ID
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"competition": comp,
		"marketId":    marketID,
	})
}

func (s *Server) handleListCompetitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.CompetitionFilter{
		Status:    core.CompetitionStatus(q.Get("status")),
		CreatorID: q.Get("creator"),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		filter.Offset = v
	}

	comps, err := s.store.ListCompetitions(r.Context(), filter)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"competitions": comps})
}

func (s *Server) handleGetCompetition(w http.ResponseWriter, r *http.Request) {
	comp, err := s.store.LoadCompetition(r.Context(), pathID(r))
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	participants, err := s.store.ListParticipants(r.Context(), comp.ID)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"competition":  comp,
		"participants": participants,
	})
}

// startErrorCodes are the contractual error strings of the start
// endpoint.
var startErrorCodes = map[core.ErrorKind]string{
	core.KindValidation:    "tooFew",
	core.KindState:         "invalidState",
	core.KindAuthorization: "notCreator",
	core.KindDuplicate:     "alreadyStarted",
	core.KindCapacity:      "atCapacity",
}

// handleStart admits a lobby competition: 201 with the running row on
// success, contractual error codes otherwise.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	comp, err := s.store.LoadCompetition(r.Context(), id)
	if err != nil {
		writeKindError(w, err, startErrorCodes)
		return
	}
	if userID := s.user(r); userID == "" || userID != comp.CreatorID {
		writeKindError(w, core.NewAuthorization("only the creator may start competition %s", id), startErrorCodes)
		return
	}

	started, err := s.manager.Start(r.Context(), id)
	if err != nil {
		writeKindError(w, err, startErrorCodes)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"competition": started})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	comp, err := s.store.LoadCompetition(r.Context(), id)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	if userID := s.user(r); userID == "" || userID != comp.CreatorID {
		writeKindError(w, core.NewAuthorization("only the creator may cancel competition %s", id), nil)
		return
	}
	if err := s.manager.Cancel(id); err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "cancelling"})
}

// handleLive serves the in-memory controller state; a finished
// competition falls back to its persisted turn events.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if live, ok := s.manager.Live(id); ok {
		writeJSON(w, http.StatusOK, live)
		return
	}

	comp, err := s.store.LoadCompetition(r.Context(), id)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	if comp.Status == core.StatusLobby {
		writeKindError(w, core.NewNotFound("competition %s has not started", id), nil)
		return
	}

	evs, err := s.store.ListTurnEvents(r.Context(), id)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": comp.Status,
		"winner": comp.WinnerAgentID,
		"events": evs,
	})
}

// ===== membership =====

type joinRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	if req.AgentID == "" {
		writeKindError(w, core.NewValidation("agentId is required"), nil)
		return
	}

	comp, err := s.store.LoadCompetition(r.Context(), id)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	if comp.Status != core.StatusLobby {
		writeKindError(w, core.NewState("competition %s is %s, joins are closed", id, comp.Status), nil)
		return
	}
	count, err := s.store.CountParticipants(r.Context(), id)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	if count >= comp.MaxParticipants {
		writeKindError(w, core.NewState("competition %s is full", id), nil)
		return
	}

	agent, err := s.store.LoadAgent(r.Context(), req.AgentID)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	p := &core.Participant{
		CompetitionID: id,
		AgentID:       agent.ID,
		AgentName:     agent.Name,
		JoinedAt:      time.Now().UTC(),
	}
	if err := s.store.AddParticipant(r.Context(), p); err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"participant": p})
}

// handleLeave removes a participant; only legal while the competition
// is still in the lobby.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}

	comp, err := s.store.LoadCompetition(r.Context(), id)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	if comp.Status != core.StatusLobby {
		writeKindError(w, core.NewState("competition %s is %s, leaves are closed", id, comp.Status), nil)
		return
	}
	if err := s.store.RemoveParticipant(r.Context(), id, req.AgentID); err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "left"})
}

// ===== votes =====

type voteRequest struct {
	AgentID  string `json:"agentId"`
	VoteType string `json:"voteType"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	if !core.ValidVoteType(core.VoteType(req.VoteType)) {
		writeKindError(w, core.NewValidation("unsupported vote type %q", req.VoteType), nil)
		return
	}

	comp, err := s.store.LoadCompetition(r.Context(), id)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	if comp.Status != core.StatusRunning {
		writeKindError(w, core.NewState("competition %s is not running", id), nil)
		return
	}
	participants, err := s.store.ListParticipants(r.Context(), id)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	isParticipant := false
	for _, p := range participants {
		if p.AgentID == req.AgentID {
			isParticipant = true
			break
		}
	}
	if !isParticipant {
		writeKindError(w, core.NewValidation("agent %s is not a participant", req.AgentID), nil)
		return
	}

	count, err := s.votes.IncrVote(r.Context(), id, req.VoteType, req.AgentID)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agentId":  req.AgentID,
		"voteType": req.VoteType,
		"count":    count,
	})
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	counts, err := s.votes.ReadVotes(r.Context(), pathID(r))
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"votes": counts})
}

// ===== markets =====

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.MarketByCompetition(r.Context(), pathID(r))
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"market": m})
}

// handlePortfolios serves the virtual-trading standings of a sandbox
// competition.
func (s *Server) handlePortfolios(w http.ResponseWriter, r *http.Request) {
	scores, err := s.markets.SandboxStandings(r.Context(), pathID(r))
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"portfolios": scores})
}

// handlePortfolio serves the caller's own portfolio on a sandbox
// competition.
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID := s.user(r)
	if userID == "" {
		writeKindError(w, core.NewAuthorization("authentication required"), nil)
		return
	}
	vp, err := s.markets.SandboxPortfolio(r.Context(), pathID(r), userID)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"portfolio": vp})
}

type betRequest struct {
	OutcomeID string  `json:"outcomeId"`
	Amount    float64 `json:"amount"`
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	userID := s.user(r)
	if userID == "" {
		writeKindError(w, core.NewAuthorization("authentication required"), nil)
		return
	}
	var req betRequest
	if err := decodeBody(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	bet, err := s.markets.PlaceBet(r.Context(), userID, pathID(r), req.OutcomeID, req.Amount)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"bet": bet})
}

// ===== tasks =====

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.registry.List()})
}
