// Package api exposes the competition core over REST/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/database"
	"github.com/aioarena/backend/internal/market"
	"github.com/aioarena/backend/internal/tasks"
)

// Store is the relational surface the handlers consume.
type Store interface {
	LoadAgent(ctx context.Context, id string) (*core.Agent, error)
	LoadCompetition(ctx context.Context, id string) (*core.Competition, error)
	ListCompetitions(ctx context.Context, filter database.CompetitionFilter) ([]core.Competition, error)
	CreateCompetition(ctx context.Context, c *core.Competition) error
	ListParticipants(ctx context.Context, competitionID string) ([]core.Participant, error)
	CountParticipants(ctx context.Context, competitionID string) (int, error)
	AddParticipant(ctx context.Context, p *core.Participant) error
	RemoveParticipant(ctx context.Context, competitionID, agentID string) error
	ListTurnEvents(ctx context.Context, competitionID string) ([]core.TurnEvent, error)
	MarketByCompetition(ctx context.Context, competitionID string) (*core.MetaMarket, error)
}

// Manager is the scheduling surface.
type Manager interface {
	Start(ctx context.Context, competitionID string) (*core.Competition, error)
	Cancel(competitionID string) error
	Live(competitionID string) (*LiveState, bool)
}

// LiveState is the spectator view of a running competition.
type LiveState struct {
	CurrentTurnIndex int                     `json:"currentTurnIndex"`
	Leaderboard      []core.LeaderboardEntry `json:"leaderboard"`
	Events           []LiveEvent             `json:"events"`
}

// LiveEvent mirrors arena.TaskProgress on the wire.
type LiveEvent struct {
	ID          string `json:"id"`
	TaskName    string `json:"taskName"`
	Status      string `json:"status"`
	ResultCount int    `json:"resultCount"`
}

// Markets is the betting surface.
type Markets interface {
	CreateForCompetition(ctx context.Context, comp *core.Competition, agents []*core.Agent) (*core.MetaMarket, error)
	PlaceBet(ctx context.Context, userID, marketID, outcomeID string, amount float64) (*core.MetaBet, error)
	SandboxStandings(ctx context.Context, competitionID string) ([]market.PortfolioScore, error)
	SandboxPortfolio(ctx context.Context, competitionID, userID string) (*market.VirtualPortfolio, error)
}

// Sandbox runs one test dispatch without rating or market effects.
type Sandbox interface {
	DispatchSandbox(ctx context.Context, agent *core.Agent, task *tasks.Task, state *core.TurnState) (*core.TurnResult, error)
}

// Votes aggregates spectator votes.
type Votes interface {
	IncrVote(ctx context.Context, competitionID string, voteType, agentID string) (int64, error)
	ReadVotes(ctx context.Context, competitionID string) (map[string]int64, error)
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(token string) (userID string, err error)
}

// Options wires a Server.
type Options struct {
	Store    Store
	Manager  Manager
	Markets  Markets
	Sandbox  Sandbox
	Registry *tasks.Registry
	Votes    Votes
	Auth     Authenticator
	WsHandler http.HandlerFunc
}

// Server is the HTTP surface of the arena.
type Server struct {
	store    Store
	manager  Manager
	markets  Markets
	sandbox  Sandbox
	registry *tasks.Registry
	votes    Votes
	auth     Authenticator
	ws       http.HandlerFunc
	logger   *log.Logger
}

// NewServer builds the server; call Router for the handler tree.
func NewServer(opts Options) *Server {
	return &Server{
		store:    opts.Store,
		manager:  opts.Manager,
		markets:  opts.Markets,
		sandbox:  opts.Sandbox,
		registry: opts.Registry,
		votes:    opts.Votes,
		auth:     opts.Auth,
		ws:       opts.WsHandler,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles the route tree.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.ws != nil {
		r.HandleFunc("/ws", s.ws).Methods("GET")
	}

	r.HandleFunc("/api/competitions", s.handleCreateCompetition).Methods("POST")
	r.HandleFunc("/api/competitions", s.handleListCompetitions).Methods("GET")
	r.HandleFunc("/api/competitions/{id}", s.handleGetCompetition).Methods("GET")
	r.HandleFunc("/api/competitions/{id}/start", s.handleStart).Methods("POST")
	r.HandleFunc("/api/competitions/{id}/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/api/competitions/{id}/live", s.handleLive).Methods("GET")
	r.HandleFunc("/api/competitions/{id}/join", s.handleJoin).Methods("POST")
	r.HandleFunc("/api/competitions/{id}/leave", s.handleLeave).Methods("DELETE")
	r.HandleFunc("/api/competitions/{id}/vote", s.handleVote).Methods("POST")
	r.HandleFunc("/api/competitions/{id}/votes", s.handleVotes).Methods("GET")
	r.HandleFunc("/api/competitions/{id}/market", s.handleMarket).Methods("GET")
	r.HandleFunc("/api/competitions/{id}/portfolios", s.handlePortfolios).Methods("GET")
	r.HandleFunc("/api/competitions/{id}/portfolio", s.handlePortfolio).Methods("GET")
	r.HandleFunc("/api/markets/{id}/bets", s.handlePlaceBet).Methods("POST")
	r.HandleFunc("/api/agents/{id}/sandbox", s.handleSandbox).Methods("POST")
	r.HandleFunc("/api/tasks", s.handleListTasks).Methods("GET")

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// user resolves the caller from the bearer token; empty when
// unauthenticated or no authenticator is wired.
func (s *Server) user(r *http.Request) string {
	if s.auth == nil {
		return r.Header.Get("X-User-ID") // dev fallback
	}
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	userID, err := s.auth.Authenticate(h[len(prefix):])
	if err != nil {
		return ""
	}
	return userID
}

// ===== JSON plumbing =====

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeKindError maps the error taxonomy onto transport codes. The
// optional code overrides give endpoints their contractual error
// strings (alreadyStarted, atCapacity, ...).
func writeKindError(w http.ResponseWriter, err error, codes map[core.ErrorKind]string) {
	kind := core.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case core.KindValidation, core.KindState:
		status = http.StatusBadRequest
	case core.KindAuthorization:
		status = http.StatusForbidden
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindDuplicate:
		status = http.StatusConflict
	case core.KindCapacity:
		status = http.StatusTooManyRequests
		var kerr *core.Error
		if errors.As(err, &kerr) && kerr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(kerr.RetryAfter.Seconds())))
		}
	case core.KindTransport:
		status = http.StatusBadGateway
	}

	code := kind.String()
	if codes != nil {
		if c, ok := codes[kind]; ok {
			code = c
		}
	}
	writeJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": err.Error(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return core.NewValidation("invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request) string { return mux.Vars(r)["id"] }
