package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/provider"
	"github.com/aioarena/backend/internal/tasks"
	"github.com/aioarena/backend/internal/vault"
)

// ============================================================================
// AGENT DISPATCHER - One turn, one agent
// ============================================================================

// PayloadVersion is stamped into every dispatch payload.
const PayloadVersion = "1.0"

// MaxResponseBytes caps the webhook response body at 1 MB.
const MaxResponseBytes = 1 << 20

// DefaultTimeout is the hard deadline for one dispatch.
const DefaultTimeout = 15 * time.Second

// FailKind tags a dispatch failure. The controller records the tag in
// the turn event and decides what happens to the participant.
type FailKind string

const (
	FailTimeout         FailKind = "timeout"
	FailTransport       FailKind = "transport_error"
	FailBadStatus       FailKind = "bad_status"
	FailInvalidResponse FailKind = "invalid_response"
	FailUpstream        FailKind = "upstream_error"
)

// Error is a tagged dispatch failure.
type Error struct {
	Kind       FailKind
	StatusCode int // bad_status only
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dispatch %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure tag, defaulting to upstream_error for
// untagged failures.
func KindOf(err error) FailKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return FailUpstream
}

// taskPayload is the task slice of the wire payload.
type taskPayload struct {
	SystemPrompt string `json:"systemPrompt"`
	TaskPrompt   string `json:"taskPrompt"`
}

// pageState is the browser-side state the agent continues from.
type pageState struct {
	URL string `json:"url"`
}

// TurnPayload is the versioned body POSTed to webhook agents.
type TurnPayload struct {
	Version         string             `json:"version"`
	AgentID         string             `json:"agentId"`
	AgentName       string             `json:"agentName"`
	CompetitionID   string             `json:"competitionId"`
	Task            taskPayload        `json:"task"`
	PageState       pageState          `json:"pageState"`
	PreviousActions []core.AgentAction `json:"previousActions"`
	TurnNumber      int                `json:"turnNumber"`
	AvailableTools  []string           `json:"availableTools"`
}

// webhookReply is the expected response shape. Missing arrays are
// empty, missing flags are false.
type webhookReply struct {
	Thinking string             `json:"thinking,omitempty"`
	Actions  []core.AgentAction `json:"actions,omitempty"`
	Done     bool               `json:"done,omitempty"`
}

// Dispatcher invokes one agent for one turn. It performs no retries;
// re-invoking with the same (competition, turn, agent) is safe and the
// controller owns that decision.
type Dispatcher struct {
	vault     *vault.Vault
	providers *provider.Registry
	http      *http.Client
	timeout   time.Duration
	logger    *log.Logger
}

// New creates a dispatcher with the given per-dispatch deadline.
func New(v *vault.Vault, providers *provider.Registry, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		vault:     v,
		providers: providers,
		http:      &http.Client{Timeout: timeout},
		timeout:   timeout,
		logger:    log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
}

// BuildPayload constructs the wire payload for one turn. Exposed so the
// sandbox endpoint can echo what was sent.
func BuildPayload(agent *core.Agent, competitionID string, task *tasks.Task, state *core.TurnState) *TurnPayload {
	prev := state.PreviousActions
	if prev == nil {
		prev = []core.AgentAction{}
	}
	pageURL := state.URL
	if pageURL == "" {
		pageURL = task.StartURL
	}
	return &TurnPayload{
		Version:       PayloadVersion,
		AgentID:       agent.ID,
		AgentName:     agent.Name,
		CompetitionID: competitionID,
		Task: taskPayload{
			SystemPrompt: task.SystemPrompt,
			TaskPrompt:   task.TaskPrompt,
		},
		PageState:       pageState{URL: pageURL},
		PreviousActions: prev,
		TurnNumber:      state.TurnNumber,
		AvailableTools:  task.AvailableTools,
	}
}

// Dispatch runs one turn against the agent and returns the parsed
// result or a tagged failure.
func (d *Dispatcher) Dispatch(ctx context.Context, agent *core.Agent, competitionID string, task *tasks.Task, state *core.TurnState) (*core.TurnResult, error) {
	return d.dispatch(ctx, agent, competitionID, task, state, false)
}

// DispatchSandbox is Dispatch with the X-AIO-Test header set, for runs
// that must carry no rating or market side effects.
func (d *Dispatcher) DispatchSandbox(ctx context.Context, agent *core.Agent, task *tasks.Task, state *core.TurnState) (*core.TurnResult, error) {
	return d.dispatch(ctx, agent, "sandbox", task, state, true)
}

func (d *Dispatcher) dispatch(ctx context.Context, agent *core.Agent, competitionID string, task *tasks.Task, state *core.TurnState, sandbox bool) (*core.TurnResult, error) {
	payload := BuildPayload(agent, competitionID, task, state)

	switch agent.Kind {
	case core.AgentKindWebhook:
		return d.dispatchWebhook(ctx, agent, payload, sandbox)
	case core.AgentKindAPIKey:
		return d.dispatchAPIKey(ctx, agent, task, payload)
	default:
		return nil, core.NewValidation("agent %s has unsupported kind %q", agent.ID, agent.Kind)
	}
}

// dispatchWebhook runs the webhook path: SSRF guard, signed POST with a
// hard deadline, size-capped schema-checked response.
func (d *Dispatcher) dispatchWebhook(ctx context.Context, agent *core.Agent, payload *TurnPayload, sandbox bool) (*core.TurnResult, error) {
	if err := GuardURL(agent.WebhookURL); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: FailInvalidResponse, Message: "payload marshal failed", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: FailTransport, Message: "request build failed", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AIO-Signature", vault.SignatureHeader(body, agent.WebhookSecret))
	if sandbox {
		req.Header.Set("X-AIO-Test", "true")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: FailTimeout, Message: fmt.Sprintf("no response within %s", d.timeout), Err: err}
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, &Error{Kind: FailTimeout, Message: "dispatch cancelled", Err: err}
		}
		return nil, &Error{Kind: FailTransport, Message: "webhook unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: FailBadStatus, StatusCode: resp.StatusCode, Message: fmt.Sprintf("webhook returned %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, &Error{Kind: FailTransport, Message: "response read failed", Err: err}
	}
	if len(raw) > MaxResponseBytes {
		return nil, &Error{Kind: FailInvalidResponse, Message: "response exceeds 1 MB"}
	}

	var reply webhookReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, &Error{Kind: FailInvalidResponse, Message: "response is not valid JSON", Err: err}
	}

	actions := reply.Actions
	if actions == nil {
		actions = []core.AgentAction{}
	}
	return &core.TurnResult{
		Thinking:    reply.Thinking,
		Actions:     actions,
		Done:        reply.Done,
		RawResponse: string(raw),
	}, nil
}

// dispatchAPIKey runs the provider path: decrypt the key, resolve the
// adapter, invoke behind its breaker, return the same TurnResult shape.
func (d *Dispatcher) dispatchAPIKey(ctx context.Context, agent *core.Agent, task *tasks.Task, payload *TurnPayload) (*core.TurnResult, error) {
	apiKey, err := d.vault.Decrypt(agent.EncryptedAPIKey)
	if err != nil {
		// Encryption failures are fatal for the operation and never retried.
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// The user-facing task prompt carries page context; the system
	// prompt is the task's own, never concatenated with agent input.
	req := &provider.Request{
		Model:        agent.Model,
		SystemPrompt: task.SystemPrompt,
		UserPrompt: fmt.Sprintf("%s\n\nCurrent page: %s\nTurn %d of %d.",
			task.TaskPrompt, payload.PageState.URL, payload.TurnNumber, task.MaxTurns),
		Tools: task.AvailableTools,
	}

	result, err := d.providers.Invoke(ctx, agent.Provider, apiKey, req)
	if err != nil {
		if core.IsKind(err, core.KindValidation) || core.IsKind(err, core.KindEncryption) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: FailTimeout, Message: fmt.Sprintf("provider %s exceeded %s", agent.Provider, d.timeout), Err: err}
		}
		return nil, &Error{Kind: FailUpstream, Message: fmt.Sprintf("provider %s failed", agent.Provider), Err: err}
	}
	return result, nil
}
