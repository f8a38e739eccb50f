package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// SUPABASE STORE - Typed table operations for the arena domain
// ============================================================================

// Store wraps the Supabase client with every relational operation the
// core needs. Row-level security runs server-side; this process uses the
// service key. Safe for parallel callers: all cross-process
// serialisation happens in the database, never in memory.
type Store struct {
	client *supabase.Client
}

// NewStore creates a store from explicit credentials.
func NewStore(url, key string) (*Store, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &Store{client: client}, nil
}

// isDuplicateErr recognises the unique-violation shape postgrest returns.
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(strings.ToLower(msg), "duplicate")
}

// ============================================================================
// AGENT OPERATIONS
// ============================================================================

// agentRow is the agents table shape. Credential columns live here and
// are mapped onto core.Agent, whose JSON tags hide them from responses.
type agentRow struct {
	ID                 string     `json:"id"`
	Slug               string     `json:"slug"`
	Name               string     `json:"name"`
	OwnerID            string     `json:"owner_id"`
	Kind               string     `json:"kind"`
	IsPublic           bool       `json:"is_public"`
	Persona            string     `json:"persona,omitempty"`
	Strategy           string     `json:"strategy,omitempty"`
	WebhookURL         string     `json:"webhook_url,omitempty"`
	WebhookSecret      string     `json:"webhook_secret,omitempty"`
	Provider           string     `json:"provider,omitempty"`
	Model              string     `json:"model,omitempty"`
	EncryptedAPIKey    string     `json:"encrypted_api_key,omitempty"`
	Rating             float64    `json:"rating"`
	RatingDeviation    float64    `json:"rating_deviation"`
	Volatility         float64    `json:"volatility"`
	VerificationStatus string     `json:"verification_status,omitempty"`
	LastVerifiedAt     *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at,omitempty"`
}

func (r *agentRow) toCore() *core.Agent {
	a := &core.Agent{
		ID:                 r.ID,
		Slug:               r.Slug,
		Name:               r.Name,
		OwnerID:            r.OwnerID,
		Kind:               core.AgentKind(r.Kind),
		IsPublic:           r.IsPublic,
		Persona:            r.Persona,
		Strategy:           r.Strategy,
		WebhookURL:         r.WebhookURL,
		WebhookSecret:      r.WebhookSecret,
		Provider:           r.Provider,
		Model:              r.Model,
		EncryptedAPIKey:    r.EncryptedAPIKey,
		Rating:             r.Rating,
		RatingDeviation:    r.RatingDeviation,
		Volatility:         r.Volatility,
		VerificationStatus: core.VerificationStatus(r.VerificationStatus),
		LastVerifiedAt:     r.LastVerifiedAt,
		CreatedAt:          r.CreatedAt,
	}
	// rows read back with the TTL already applied; a stale "verified"
	// never leaves this package
	a.VerificationStatus = a.EffectiveVerification(time.Now())
	return a
}

func agentToRow(a *core.Agent) *agentRow {
	return &agentRow{
		ID:                 a.ID,
		Slug:               a.Slug,
		Name:               a.Name,
		OwnerID:            a.OwnerID,
		Kind:               string(a.Kind),
		IsPublic:           a.IsPublic,
		Persona:            a.Persona,
		Strategy:           a.Strategy,
		WebhookURL:         a.WebhookURL,
		WebhookSecret:      a.WebhookSecret,
		Provider:           a.Provider,
		Model:              a.Model,
		EncryptedAPIKey:    a.EncryptedAPIKey,
		Rating:             a.Rating,
		RatingDeviation:    a.RatingDeviation,
		Volatility:         a.Volatility,
		VerificationStatus: string(a.VerificationStatus),
		LastVerifiedAt:     a.LastVerifiedAt,
	}
}

// LoadAgent retrieves an agent by id.
func (s *Store) LoadAgent(ctx context.Context, id string) (*core.Agent, error) {
	var rows []agentRow
	_, err := s.client.From("agents").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "load agent %s", id)
	}
	if len(rows) == 0 {
		return nil, core.NewNotFound("agent %s not found", id)
	}
	return rows[0].toCore(), nil
}

// SaveAgent inserts or replaces an agent row.
func (s *Store) SaveAgent(ctx context.Context, agent *core.Agent) error {
	var result []agentRow
	_, err := s.client.From("agents").
		Upsert(agentToRow(agent), "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "save agent %s", agent.ID)
	}
	return nil
}

// UpdateAgentRating writes the post-competition Glicko state.
// Last writer wins.
func (s *Store) UpdateAgentRating(ctx context.Context, id string, rating, rd, vol float64) error {
	var result []agentRow
	_, err := s.client.From("agents").
		Update(map[string]interface{}{
			"rating":           rating,
			"rating_deviation": rd,
			"volatility":       vol,
		}, "", "").
		Eq("id", id).
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "update rating for %s", id)
	}
	return nil
}

// ============================================================================
// COMPETITION OPERATIONS
// ============================================================================

// CompetitionFilter narrows ListCompetitions. Zero values match all.
type CompetitionFilter struct {
	Status    core.CompetitionStatus
	CreatorID string
	Limit     int
	Offset    int
}

// LoadCompetition retrieves one competition row.
func (s *Store) LoadCompetition(ctx context.Context, id string) (*core.Competition, error) {
	var rows []core.Competition
	_, err := s.client.From("competitions").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "load competition %s", id)
	}
	if len(rows) == 0 {
		return nil, core.NewNotFound("competition %s not found", id)
	}
	return &rows[0], nil
}

// ListCompetitions returns rows matching the filter, newest first.
func (s *Store) ListCompetitions(ctx context.Context, filter CompetitionFilter) ([]core.Competition, error) {
	query := s.client.From("competitions").
		Select("*", "", false).
		Order("created_at", nil)

	if filter.Status != "" {
		query = query.Eq("status", string(filter.Status))
	}
	if filter.CreatorID != "" {
		query = query.Eq("creator_id", filter.CreatorID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query = query.Limit(limit, "")
	if filter.Offset > 0 {
		query = query.Range(filter.Offset, filter.Offset+limit-1, "")
	}

	var rows []core.Competition
	_, err := query.ExecuteTo(&rows)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "list competitions")
	}
	return rows, nil
}

// CreateCompetition inserts a new lobby row.
func (s *Store) CreateCompetition(ctx context.Context, c *core.Competition) error {
	var result []core.Competition
	_, err := s.client.From("competitions").
		Insert(c, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		if isDuplicateErr(err) {
			return core.NewDuplicate("competition %s already exists", c.ID)
		}
		return core.WrapError(core.KindPersistence, err, "create competition")
	}
	return nil
}

// TransitionCompetition applies status from→to as a conditional update:
// the write matches rows where status still equals from, so exactly one
// caller can win a lobby→running race. Returns the updated row and
// whether the update applied. Extras merge into the same write.
func (s *Store) TransitionCompetition(ctx context.Context, id string, from, to core.CompetitionStatus, extras map[string]interface{}) (*core.Competition, bool, error) {
	payload := map[string]interface{}{"status": string(to)}
	switch to {
	case core.StatusRunning:
		payload["started_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	case core.StatusCompleted, core.StatusCancelled:
		payload["ended_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	for k, v := range extras {
		payload[k] = v
	}

	var rows []core.Competition
	_, err := s.client.From("competitions").
		Update(payload, "", "").
		Eq("id", id).
		Eq("status", string(from)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, false, core.WrapError(core.KindPersistence, err, "transition competition %s %s->%s", id, from, to)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return &rows[0], true, nil
}

// ============================================================================
// PARTICIPANT OPERATIONS
// ============================================================================

// ListParticipants returns the joined agents for one competition in
// join order.
func (s *Store) ListParticipants(ctx context.Context, competitionID string) ([]core.Participant, error) {
	var rows []core.Participant
	_, err := s.client.From("competition_participants").
		Select("*", "", false).
		Eq("competition_id", competitionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "list participants for %s", competitionID)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].JoinedAt.Before(rows[j].JoinedAt) })
	return rows, nil
}

// AddParticipant inserts the (competition, agent) pair. The table's
// uniqueness constraint surfaces as a duplicate-kind error.
func (s *Store) AddParticipant(ctx context.Context, p *core.Participant) error {
	var result []core.Participant
	_, err := s.client.From("competition_participants").
		Insert(p, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		if isDuplicateErr(err) {
			return core.NewDuplicate("agent %s already joined %s", p.AgentID, p.CompetitionID)
		}
		return core.WrapError(core.KindPersistence, err, "add participant")
	}
	return nil
}

// RemoveParticipant deletes the pair. Lobby-only enforcement lives at
// the call site, which holds the competition row.
func (s *Store) RemoveParticipant(ctx context.Context, competitionID, agentID string) error {
	var result []core.Participant
	_, err := s.client.From("competition_participants").
		Delete("", "").
		Eq("competition_id", competitionID).
		Eq("agent_id", agentID).
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "remove participant")
	}
	return nil
}

// CountParticipants canonicalises the participant count to one integer.
func (s *Store) CountParticipants(ctx context.Context, competitionID string) (int, error) {
	var rows []core.Participant
	count, err := s.client.From("competition_participants").
		Select("competition_id", "exact", false).
		Eq("competition_id", competitionID).
		ExecuteTo(&rows)
	if err != nil {
		return 0, core.WrapError(core.KindPersistence, err, "count participants for %s", competitionID)
	}
	return int(count), nil
}

// ============================================================================
// TURN EVENT OPERATIONS
// ============================================================================

// AppendTurnEvent records one dispatched turn.
func (s *Store) AppendTurnEvent(ctx context.Context, ev *core.TurnEvent) error {
	var result []core.TurnEvent
	_, err := s.client.From("competition_events").
		Insert(ev, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "append turn event")
	}
	return nil
}

// ListTurnEvents returns all turn events for a competition ordered by
// turn, then dispatch time within the turn.
func (s *Store) ListTurnEvents(ctx context.Context, competitionID string) ([]core.TurnEvent, error) {
	var rows []core.TurnEvent
	_, err := s.client.From("competition_events").
		Select("*", "", false).
		Eq("competition_id", competitionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "list turn events for %s", competitionID)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TurnIndex != rows[j].TurnIndex {
			return rows[i].TurnIndex < rows[j].TurnIndex
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows, nil
}

// ============================================================================
// RATING HISTORY OPERATIONS
// ============================================================================

// AppendEloHistory inserts one rating-update row.
func (s *Store) AppendEloHistory(ctx context.Context, row *core.EloHistory) error {
	var result []core.EloHistory
	_, err := s.client.From("elo_history").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "append elo history for %s", row.AgentID)
	}
	return nil
}

// domainRatingRow is the per-domain rating table shape.
type domainRatingRow struct {
	AgentID         string    `json:"agent_id"`
	DomainID        string    `json:"domain_id"`
	Rating          float64   `json:"rating"`
	RatingDeviation float64   `json:"rating_deviation"`
	Volatility      float64   `json:"volatility"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UpsertDomainRating writes the domain-scoped rating for an agent.
func (s *Store) UpsertDomainRating(ctx context.Context, agentID, domainID string, rating, rd, vol float64) error {
	row := &domainRatingRow{
		AgentID:         agentID,
		DomainID:        domainID,
		Rating:          rating,
		RatingDeviation: rd,
		Volatility:      vol,
		UpdatedAt:       time.Now().UTC(),
	}
	var result []domainRatingRow
	_, err := s.client.From("domain_ratings").
		Upsert(row, "agent_id,domain_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "upsert domain rating for %s/%s", agentID, domainID)
	}
	return nil
}

// ============================================================================
// META-MARKET OPERATIONS
// ============================================================================

// CreateMarket inserts a new open market.
func (s *Store) CreateMarket(ctx context.Context, m *core.MetaMarket) error {
	var result []core.MetaMarket
	_, err := s.client.From("meta_markets").
		Insert(m, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "create market for %s", m.CompetitionID)
	}
	return nil
}

// ListOpenMarkets returns every market still in the open state.
func (s *Store) ListOpenMarkets(ctx context.Context) ([]core.MetaMarket, error) {
	var rows []core.MetaMarket
	_, err := s.client.From("meta_markets").
		Select("*", "", false).
		Eq("status", string(core.MarketOpen)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "list open markets")
	}
	return rows, nil
}

// MarketByID retrieves one market.
func (s *Store) MarketByID(ctx context.Context, id string) (*core.MetaMarket, error) {
	var rows []core.MetaMarket
	_, err := s.client.From("meta_markets").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "load market %s", id)
	}
	if len(rows) == 0 {
		return nil, core.NewNotFound("market %s not found", id)
	}
	return &rows[0], nil
}

// MarketByCompetition retrieves the market linked to a competition.
func (s *Store) MarketByCompetition(ctx context.Context, competitionID string) (*core.MetaMarket, error) {
	var rows []core.MetaMarket
	_, err := s.client.From("meta_markets").
		Select("*", "", false).
		Eq("competition_id", competitionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "load market for competition %s", competitionID)
	}
	if len(rows) == 0 {
		return nil, core.NewNotFound("no market for competition %s", competitionID)
	}
	return &rows[0], nil
}

// TransitionMarket applies a conditional status update keyed by
// competition id, mirroring TransitionCompetition. Extras (resolved
// outcome, resolution time) merge into the same write.
func (s *Store) TransitionMarket(ctx context.Context, competitionID string, from, to core.MarketStatus, extras map[string]interface{}) (*core.MetaMarket, bool, error) {
	payload := map[string]interface{}{"status": string(to)}
	if to == core.MarketResolved || to == core.MarketCancelled {
		payload["resolved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	for k, v := range extras {
		payload[k] = v
	}

	var rows []core.MetaMarket
	_, err := s.client.From("meta_markets").
		Update(payload, "", "").
		Eq("competition_id", competitionID).
		Eq("status", string(from)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, false, core.WrapError(core.KindPersistence, err, "transition market %s %s->%s", competitionID, from, to)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return &rows[0], true, nil
}

// ListBetsByMarket returns all bets on one market.
func (s *Store) ListBetsByMarket(ctx context.Context, marketID string) ([]core.MetaBet, error) {
	var rows []core.MetaBet
	_, err := s.client.From("meta_bets").
		Select("*", "", false).
		Eq("market_id", marketID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "list bets for market %s", marketID)
	}
	return rows, nil
}

// SettleBets marks every bet on a market won or lost against the
// resolved outcome. Refunds happen instead when a market is cancelled.
func (s *Store) SettleBets(ctx context.Context, marketID, winningOutcome string) error {
	var result []core.MetaBet
	_, err := s.client.From("meta_bets").
		Update(map[string]interface{}{"status": string(core.BetWon)}, "", "").
		Eq("market_id", marketID).
		Eq("outcome_id", winningOutcome).
		Eq("status", string(core.BetActive)).
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "settle winning bets for %s", marketID)
	}
	_, err = s.client.From("meta_bets").
		Update(map[string]interface{}{"status": string(core.BetLost)}, "", "").
		Eq("market_id", marketID).
		Neq("outcome_id", winningOutcome).
		Eq("status", string(core.BetActive)).
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "settle losing bets for %s", marketID)
	}
	return nil
}

// RefundBets flips every active bet on a market to refunded.
func (s *Store) RefundBets(ctx context.Context, marketID string) error {
	var result []core.MetaBet
	_, err := s.client.From("meta_bets").
		Update(map[string]interface{}{"status": string(core.BetRefunded)}, "", "").
		Eq("market_id", marketID).
		Eq("status", string(core.BetActive)).
		ExecuteTo(&result)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "refund bets for %s", marketID)
	}
	return nil
}
