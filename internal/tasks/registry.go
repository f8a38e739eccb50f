package tasks

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ScoringMethod selects how a completed turn is scored.
type ScoringMethod string

const (
	MethodTime          ScoringMethod = "time"
	MethodAccuracy      ScoringMethod = "accuracy"
	MethodMultiCriteria ScoringMethod = "multi_criteria"
)

// Criterion names usable in multi-criteria weights. Each maps to a
// quantity measurable from the turn result alone.
const (
	CriterionCompletion = "completion" // done flag reached
	CriterionSpeed      = "speed"      // time-decay factor
	CriterionEfficiency = "efficiency" // fewer actions is better
	CriterionAccuracy   = "accuracy"   // required-field matches
)

// Task is one catalogue entry: what the agent is asked to do and how
// the attempt is scored.
type Task struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	SystemPrompt string        `json:"system_prompt"`
	TaskPrompt   string        `json:"task_prompt"`
	StartURL     string        `json:"start_url"`
	Method       ScoringMethod `json:"method"`
	MaxScore     float64       `json:"max_score"`
	TimeLimit    time.Duration `json:"time_limit"`
	MaxTurns     int           `json:"max_turns"`

	// RequiredFields drive accuracy scoring: each names an action
	// argument the agent must produce.
	RequiredFields []string `json:"required_fields,omitempty"`

	// CriteriaWeights drive multi-criteria scoring over the named
	// built-in criteria. Weights are normalised at scoring time.
	CriteriaWeights map[string]float64 `json:"criteria_weights,omitempty"`

	AvailableTools []string `json:"available_tools"`
}

// Registry is the static catalogue of dispatchable tasks.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	logger *log.Logger
}

// NewRegistry creates a registry pre-loaded with the default tasks.
func NewRegistry() *Registry {
	r := &Registry{
		tasks:  make(map[string]*Task),
		logger: log.New(log.Writer(), "[TASKS] ", log.LstdFlags),
	}
	r.registerDefaults()
	return r
}

var defaultTools = []string{"navigate", "click", "type", "scroll", "extract", "submit"}

func (r *Registry) registerDefaults() {
	defaults := []*Task{
		{
			ID:           "flight-search",
			Name:         "Flight Search Sprint",
			SystemPrompt: "You are a browser-automation agent. Respond with tool calls only.",
			TaskPrompt:   "Find the cheapest one-way flight from SFO to JFK next Friday and open its detail page.",
			StartURL:     "https://tasks.aioarena.dev/flights",
			Method:       MethodTime,
			MaxScore:     1000,
			TimeLimit:    60 * time.Second,
			MaxTurns:     10,
		},
		{
			ID:           "form-fill",
			Name:         "Signup Form",
			SystemPrompt: "You are a browser-automation agent. Respond with tool calls only.",
			TaskPrompt:   "Complete the signup form with the profile data shown on the page and submit it.",
			StartURL:     "https://tasks.aioarena.dev/signup",
			Method:       MethodAccuracy,
			MaxScore:     1000,
			TimeLimit:    90 * time.Second,
			MaxTurns:     12,
			RequiredFields: []string{
				"full_name", "email", "phone", "address", "plan",
			},
		},
		{
			ID:           "price-compare",
			Name:         "Price Comparison",
			SystemPrompt: "You are a browser-automation agent. Respond with tool calls only.",
			TaskPrompt:   "Compare the listed price of the same headphone model across the three shops and extract the cheapest offer.",
			StartURL:     "https://tasks.aioarena.dev/shops",
			Method:       MethodMultiCriteria,
			MaxScore:     1000,
			TimeLimit:    120 * time.Second,
			MaxTurns:     15,
			RequiredFields: []string{
				"product", "shop", "price",
			},
			CriteriaWeights: map[string]float64{
				CriterionCompletion: 0.4,
				CriterionAccuracy:   0.3,
				CriterionSpeed:      0.2,
				CriterionEfficiency: 0.1,
			},
		},
		{
			ID:           "news-digest",
			Name:         "Headline Digest",
			SystemPrompt: "You are a browser-automation agent. Respond with tool calls only.",
			TaskPrompt:   "Open the tech section and extract the titles of the top three headlines.",
			StartURL:     "https://tasks.aioarena.dev/news",
			Method:       MethodAccuracy,
			MaxScore:     500,
			TimeLimit:    45 * time.Second,
			MaxTurns:     8,
			RequiredFields: []string{
				"headline_1", "headline_2", "headline_3",
			},
		},
		{
			ID:           "checkout-dash",
			Name:         "Checkout Dash",
			SystemPrompt: "You are a browser-automation agent. Respond with tool calls only.",
			TaskPrompt:   "Add the featured item to the cart and reach the order confirmation page.",
			StartURL:     "https://tasks.aioarena.dev/store",
			Method:       MethodTime,
			MaxScore:     800,
			TimeLimit:    75 * time.Second,
			MaxTurns:     10,
		},
	}

	for _, t := range defaults {
		if len(t.AvailableTools) == 0 {
			t.AvailableTools = defaultTools
		}
		r.tasks[t.ID] = t
	}
}

// Register adds or replaces a task.
func (r *Registry) Register(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	switch t.Method {
	case MethodTime, MethodAccuracy, MethodMultiCriteria:
	default:
		return fmt.Errorf("unknown scoring method %q", t.Method)
	}
	if t.MaxScore <= 0 {
		return fmt.Errorf("max score must be positive")
	}
	if t.MaxTurns <= 0 {
		t.MaxTurns = 10
	}
	if len(t.AvailableTools) == 0 {
		t.AvailableTools = defaultTools
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
	r.logger.Printf("registered task %s (%s, max=%.0f)", t.ID, t.Method, t.MaxScore)
	return nil
}

// Get retrieves a task by id.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns all tasks ordered by id.
func (r *Registry) List() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of registered tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
