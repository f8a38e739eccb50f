package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/tasks"
)

func timeTask() *tasks.Task {
	return &tasks.Task{
		ID:        "t-time",
		Method:    tasks.MethodTime,
		MaxScore:  1000,
		TimeLimit: 60 * time.Second,
	}
}

func doneResult() *core.TurnResult {
	return &core.TurnResult{
		Actions: []core.AgentAction{{Tool: "click", Args: map[string]interface{}{"selector": "#go"}}},
		Done:    true,
	}
}

func TestTimeScoreMonotoneDecreasing(t *testing.T) {
	task := timeTask()
	prev := Score(task, doneResult(), 0).Points
	assert.Equal(t, task.MaxScore, prev)

	for _, elapsed := range []int64{200, 400, 5_000, 30_000, 59_999} {
		s := Score(task, doneResult(), elapsed).Points
		assert.Less(t, s, prev, "score must strictly decrease with elapsed=%d", elapsed)
		assert.GreaterOrEqual(t, s, 0.0)
		prev = s
	}
}

func TestTimeScoreFasterAgentRanksFirst(t *testing.T) {
	task := timeTask()
	fast := Score(task, doneResult(), 200)
	slow := Score(task, doneResult(), 400)
	assert.Greater(t, fast.Points, slow.Points)
	assert.Less(t, fast.ElapsedMs, slow.ElapsedMs)
}

func TestTimeScoreBounds(t *testing.T) {
	task := timeTask()

	tests := []struct {
		name    string
		elapsed int64
		done    bool
		want    float64
	}{
		{"zero elapsed", 0, true, 1000},
		{"at the limit", 60_000, true, 0},
		{"past the limit", 120_000, true, 0},
		{"not done earns nothing", 200, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := doneResult()
			result.Done = tt.done
			assert.Equal(t, tt.want, Score(task, result, tt.elapsed).Points)
		})
	}
}

func TestAccuracyScore(t *testing.T) {
	task := &tasks.Task{
		ID:             "t-acc",
		Method:         tasks.MethodAccuracy,
		MaxScore:       500,
		TimeLimit:      45 * time.Second,
		RequiredFields: []string{"full_name", "email", "phone", "plan"},
	}

	tests := []struct {
		name    string
		actions []core.AgentAction
		want    float64
	}{
		{"no actions", nil, 0},
		{
			"half the fields",
			[]core.AgentAction{
				{Tool: "type", Args: map[string]interface{}{"full_name": "Ada"}},
				{Tool: "type", Args: map[string]interface{}{"email": "ada@example.com"}},
			},
			250,
		},
		{
			"all fields across actions",
			[]core.AgentAction{
				{Tool: "type", Args: map[string]interface{}{"full_name": "Ada", "email": "ada@example.com"}},
				{Tool: "extract", Args: map[string]interface{}{"phone": "555-0100", "plan": "pro"}},
			},
			500,
		},
		{
			"empty string does not count",
			[]core.AgentAction{
				{Tool: "type", Args: map[string]interface{}{"full_name": "   ", "email": "ada@example.com"}},
			},
			125,
		},
		{
			"non-string values count",
			[]core.AgentAction{
				{Tool: "extract", Args: map[string]interface{}{"phone": 5550100}},
			},
			125,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := &core.TurnResult{Actions: tt.actions, Done: true}
			assert.InDelta(t, tt.want, Score(task, result, 1000).Points, 0.001)
		})
	}
}

func TestMultiCriteriaScore(t *testing.T) {
	task := &tasks.Task{
		ID:             "t-multi",
		Method:         tasks.MethodMultiCriteria,
		MaxScore:       1000,
		TimeLimit:      100 * time.Second,
		RequiredFields: []string{"price"},
		CriteriaWeights: map[string]float64{
			tasks.CriterionCompletion: 0.4,
			tasks.CriterionAccuracy:   0.3,
			tasks.CriterionSpeed:      0.2,
			tasks.CriterionEfficiency: 0.1,
		},
	}

	perfect := &core.TurnResult{
		Actions: []core.AgentAction{{Tool: "extract", Args: map[string]interface{}{"price": "19.99"}}},
		Done:    true,
	}
	got := Score(task, perfect, 0)
	assert.InDelta(t, 1000, got.Points, 0.001)

	// Done flag alone carries its weight.
	doneOnly := &core.TurnResult{Done: true}
	assert.InDelta(t, 400, Score(task, doneOnly, 100_000).Points, 0.001)
}

func TestMultiCriteriaSkipsUnknownNames(t *testing.T) {
	task := &tasks.Task{
		ID:        "t-odd",
		Method:    tasks.MethodMultiCriteria,
		MaxScore:  1000,
		TimeLimit: 60 * time.Second,
		CriteriaWeights: map[string]float64{
			tasks.CriterionCompletion: 0.5,
			"style_points":            0.5,
		},
	}

	// The unknown criterion drops out entirely: completion carries
	// the whole normalised weight.
	got := Score(task, &core.TurnResult{Done: true}, 1000)
	assert.InDelta(t, 1000, got.Points, 0.001)

	got = Score(task, &core.TurnResult{Done: false}, 1000)
	assert.InDelta(t, 0, got.Points, 0.001)
}

func TestScoreNeverExceedsMaxScore(t *testing.T) {
	for _, method := range []tasks.ScoringMethod{tasks.MethodTime, tasks.MethodAccuracy, tasks.MethodMultiCriteria} {
		task := &tasks.Task{
			ID:              "t-bound",
			Method:          method,
			MaxScore:        800,
			TimeLimit:       10 * time.Second,
			RequiredFields:  []string{"a"},
			CriteriaWeights: map[string]float64{tasks.CriterionCompletion: 1},
		}
		result := &core.TurnResult{
			Actions: []core.AgentAction{{Tool: "extract", Args: map[string]interface{}{"a": "x"}}},
			Done:    true,
		}
		for _, elapsed := range []int64{0, 1, 9_999, 10_000, 50_000} {
			s := Score(task, result, elapsed)
			assert.GreaterOrEqual(t, s.Points, 0.0)
			assert.LessOrEqual(t, s.Points, task.MaxScore)
		}
	}
}
