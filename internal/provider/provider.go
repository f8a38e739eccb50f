package provider

import (
	"context"
	"log"
	"sync"

	"github.com/aioarena/backend/internal/circuitbreaker"
	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// PROVIDER REGISTRY - LLM adapters for api_key agents
// ============================================================================

// DoneTool is the synthetic tool every provider exposes alongside the
// task tools. Calling it ends the agent's run for the competition task.
const DoneTool = "done"

// Request is the provider-agnostic prompt for one turn.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Tools        []string
}

// Adapter converts one Request into the provider's wire format, invokes
// the model and parses the tool-call sequence back into a TurnResult.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, apiKey string, req *Request) (*core.TurnResult, error)
}

// Registry holds the known adapters keyed by provider tag, each behind
// its own circuit breaker.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	breakers *circuitbreaker.Manager
	logger   *log.Logger
}

// NewRegistry creates a registry with the built-in adapters registered.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		breakers: circuitbreaker.NewManager(circuitbreaker.UpstreamConfig()),
		logger:   log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags),
	}
	r.Register(NewOpenAI())
	r.Register(NewAnthropic())
	return r
}

// Register adds or replaces an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
	r.logger.Printf("registered adapter %s", a.Name())
}

// Get looks up an adapter by provider tag.
func (r *Registry) Get(tag string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tag]
	return a, ok
}

// Invoke runs one turn through the tagged adapter behind its breaker.
// An open breaker surfaces as a transport-kind error without touching
// the provider.
func (r *Registry) Invoke(ctx context.Context, tag, apiKey string, req *Request) (*core.TurnResult, error) {
	adapter, ok := r.Get(tag)
	if !ok {
		return nil, core.NewValidation("unknown provider %q", tag)
	}

	cb := r.breakers.Get(tag)
	result, err := cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return adapter.Invoke(ctx, apiKey, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*core.TurnResult), nil
}

// BreakerStats exposes per-provider breaker state for health reporting.
func (r *Registry) BreakerStats() map[string]circuitbreaker.Stats {
	return r.breakers.Stats()
}
