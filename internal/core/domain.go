package core

import (
	"encoding/json"
	"time"
)

// AgentKind selects how a turn is delivered to the agent.
type AgentKind string

const (
	AgentKindWebhook AgentKind = "webhook"
	AgentKindAPIKey  AgentKind = "api_key"
)

// VerificationStatus tracks the outcome of the last agent verification run.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationFailed     VerificationStatus = "failed"
)

// VerificationTTL is how long a successful verification stays valid.
const VerificationTTL = 24 * time.Hour

// Agent represents a registered competitor.
type Agent struct {
	ID       string    `json:"id"`
	Slug     string    `json:"slug"`
	Name     string    `json:"name"`
	OwnerID  string    `json:"owner_id"`
	Kind     AgentKind `json:"kind"`
	IsPublic bool      `json:"is_public"`
	Persona  string    `json:"persona,omitempty"`
	Strategy string    `json:"strategy,omitempty"`

	// Webhook credentials (kind == webhook).
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"-"`

	// Provider credentials (kind == api_key). The key is stored encrypted.
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	EncryptedAPIKey string `json:"-"`

	Rating          float64 `json:"rating"`
	RatingDeviation float64 `json:"rating_deviation"`
	Volatility      float64 `json:"volatility"`

	VerificationStatus VerificationStatus `json:"verification_status"`
	LastVerifiedAt     *time.Time         `json:"last_verified_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// EffectiveVerification degrades a stale verified status back to unverified.
func (a *Agent) EffectiveVerification(now time.Time) VerificationStatus {
	if a.VerificationStatus != VerificationVerified {
		return a.VerificationStatus
	}
	if a.LastVerifiedAt == nil || now.Sub(*a.LastVerifiedAt) > VerificationTTL {
		return VerificationUnverified
	}
	return VerificationVerified
}

// Default Glicko-2 state for a brand-new agent.
const (
	DefaultRating     = 1500.0
	DefaultDeviation  = 350.0
	DefaultVolatility = 0.06
)

// CompetitionStatus is the lifecycle state of a competition row.
type CompetitionStatus string

const (
	StatusLobby     CompetitionStatus = "lobby"
	StatusRunning   CompetitionStatus = "running"
	StatusCompleted CompetitionStatus = "completed"
	StatusCancelled CompetitionStatus = "cancelled"
)

// StakeMode selects the economic mode of a competition.
type StakeMode string

const (
	StakeSandbox   StakeMode = "sandbox"
	StakeSpectator StakeMode = "spectator"
	StakeReal      StakeMode = "real"
)

// Competition is one scheduled contest over an ordered task list.
type Competition struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	CreatorID       string            `json:"creator_id"`
	DomainID        string            `json:"domain_id,omitempty"`
	Status          CompetitionStatus `json:"status"`
	StakeMode       StakeMode         `json:"stake_mode"`
	EntryFee        float64           `json:"entry_fee"`
	MaxParticipants int               `json:"max_participants"`
	TaskIDs         []string          `json:"task_ids"`
	WinnerAgentID   string            `json:"winner_agent_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
}

// Participant is one (competition, agent) membership.
type Participant struct {
	CompetitionID string    `json:"competition_id"`
	AgentID       string    `json:"agent_id"`
	AgentName     string    `json:"agent_name,omitempty"`
	JoinedAt      time.Time `json:"joined_at"`
}

// TurnEvent records one dispatched turn for one agent.
type TurnEvent struct {
	ID            string    `json:"id,omitempty"`
	CompetitionID string    `json:"competition_id"`
	TaskID        string    `json:"task_id"`
	AgentID       string    `json:"agent_id"`
	TurnIndex     int       `json:"turn_index"`
	RawResponse   string    `json:"raw_response,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Score         float64   `json:"score"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// AgentAction is one tool invocation returned by an agent. On the wire
// it is a flat object: the tool name plus arbitrary tool arguments.
type AgentAction struct {
	Tool string
	Args map[string]interface{}
}

// UnmarshalJSON splits {tool, ...args} into the named tool and the
// remaining argument map.
func (a *AgentAction) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	tool, _ := raw["tool"].(string)
	delete(raw, "tool")
	a.Tool = tool
	a.Args = raw
	return nil
}

// MarshalJSON flattens the action back to {tool, ...args}.
func (a AgentAction) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(a.Args)+1)
	for k, v := range a.Args {
		out[k] = v
	}
	out["tool"] = a.Tool
	return json.Marshal(out)
}

// TurnResult is a successful agent reply for one turn. Failures travel
// as errors, not as TurnResults.
type TurnResult struct {
	Thinking    string        `json:"thinking,omitempty"`
	Actions     []AgentAction `json:"actions,omitempty"`
	Done        bool          `json:"done,omitempty"`
	RawResponse string        `json:"-"`
}

// TurnState is the controller-side view of one agent's progress that a
// dispatch payload is built from.
type TurnState struct {
	URL             string
	PreviousActions []AgentAction
	TurnNumber      int
}

// LeaderboardEntry is one derived ranking row; rebuilt after every
// completed event.
type LeaderboardEntry struct {
	AgentID         string  `json:"agent_id"`
	AgentName       string  `json:"agent_name,omitempty"`
	TotalScore      float64 `json:"total_score"`
	EventsWon       int     `json:"events_won"`
	EventsCompleted int     `json:"events_completed"`
	Rank            int     `json:"rank"`
}

// EloHistory captures one rating update for one participant.
type EloHistory struct {
	ID               string    `json:"id,omitempty"`
	AgentID          string    `json:"agent_id"`
	CompetitionID    string    `json:"competition_id"`
	DomainID         string    `json:"domain_id,omitempty"`
	RatingBefore     float64   `json:"rating_before"`
	RatingAfter      float64   `json:"rating_after"`
	DeviationBefore  float64   `json:"deviation_before"`
	DeviationAfter   float64   `json:"deviation_after"`
	VolatilityBefore float64   `json:"volatility_before"`
	VolatilityAfter  float64   `json:"volatility_after"`
	RatingChange     float64   `json:"rating_change"`
	FinalRank        int       `json:"final_rank"`
	ParticipantCount int       `json:"participant_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// MarketStatus is the lifecycle state of a meta-market.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "open"
	MarketLocked    MarketStatus = "locked"
	MarketResolved  MarketStatus = "resolved"
	MarketCancelled MarketStatus = "cancelled"
)

// MarketOutcome is one bettable outcome of a meta-market, usually one
// outcome per participating agent.
type MarketOutcome struct {
	OutcomeID   string `json:"outcome_id"`
	DisplayName string `json:"display_name"`
	InitialOdds int    `json:"initial_odds"`
}

// MetaMarket is the derivative market attached to one competition.
type MetaMarket struct {
	ID              string          `json:"id"`
	CompetitionID   string          `json:"competition_id"`
	Status          MarketStatus    `json:"status"`
	Outcomes        []MarketOutcome `json:"outcomes"`
	CurrentOdds     map[string]int  `json:"current_odds"`
	TotalVolume     float64         `json:"total_volume"`
	TotalBets       int             `json:"total_bets"`
	ResolvedOutcome string          `json:"resolved_outcome,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// BetStatus is the settlement state of one meta-market bet.
type BetStatus string

const (
	BetActive   BetStatus = "active"
	BetWon      BetStatus = "won"
	BetLost     BetStatus = "lost"
	BetRefunded BetStatus = "refunded"
)

// MetaBet is one user bet on a meta-market outcome.
type MetaBet struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	MarketID        string    `json:"market_id"`
	OutcomeID       string    `json:"outcome_id"`
	Amount          float64   `json:"amount"`
	OddsAtBet       int       `json:"odds_at_bet"`
	PotentialPayout float64   `json:"potential_payout"`
	Status          BetStatus `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Snapshot is the minimum durable record of a running competition, used
// only by crash recovery.
type Snapshot struct {
	CompetitionID string            `json:"competition_id"`
	Name          string            `json:"name"`
	Status        CompetitionStatus `json:"status"`
	TurnIndex     int               `json:"turn_index"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// VoteType is a spectator vote category.
type VoteType string

const (
	VoteCheer      VoteType = "cheer"
	VotePredictWin VoteType = "predict_win"
	VoteMVP        VoteType = "mvp"
)

// ValidVoteType reports whether v is one of the supported categories.
func ValidVoteType(v VoteType) bool {
	switch v {
	case VoteCheer, VotePredictWin, VoteMVP:
		return true
	}
	return false
}
