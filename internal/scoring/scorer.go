package scoring

import (
	"strings"

	"github.com/aioarena/backend/internal/core"
	"github.com/aioarena/backend/internal/tasks"
)

// ============================================================================
// SCORER - Pure per-turn scoring functions
// ============================================================================

// TurnScore is the scored outcome of one turn. ElapsedMs doubles as the
// ranking tiebreak: equal points rank the faster agent first.
type TurnScore struct {
	Points    float64
	ElapsedMs int64
	Done      bool
}

// Score computes the score for one turn result under the task's declared
// method. The result is non-negative and never exceeds task.MaxScore.
func Score(task *tasks.Task, result *core.TurnResult, elapsedMs int64) TurnScore {
	var points float64
	switch task.Method {
	case tasks.MethodTime:
		points = timeScore(task, result, elapsedMs)
	case tasks.MethodAccuracy:
		points = task.MaxScore * accuracyFraction(task, result)
	case tasks.MethodMultiCriteria:
		points = task.MaxScore * criteriaFraction(task, result, elapsedMs)
	}
	return TurnScore{Points: clamp(points, 0, task.MaxScore), ElapsedMs: elapsedMs, Done: result.Done}
}

// timeScore decays linearly from MaxScore at 0 ms to zero at the task's
// time limit. Only a finished turn earns time points.
func timeScore(task *tasks.Task, result *core.TurnResult, elapsedMs int64) float64 {
	if !result.Done {
		return 0
	}
	return task.MaxScore * speedFactor(task, elapsedMs)
}

// speedFactor is the remaining fraction of the task's time budget.
func speedFactor(task *tasks.Task, elapsedMs int64) float64 {
	limitMs := task.TimeLimit.Milliseconds()
	if limitMs <= 0 {
		return 0
	}
	return clamp(1-float64(elapsedMs)/float64(limitMs), 0, 1)
}

// accuracyFraction is matched required fields over required field count.
// A task without required fields scores on the done flag alone.
func accuracyFraction(task *tasks.Task, result *core.TurnResult) float64 {
	if len(task.RequiredFields) == 0 {
		if result.Done {
			return 1
		}
		return 0
	}
	return float64(matchedFields(task.RequiredFields, result.Actions)) / float64(len(task.RequiredFields))
}

// matchedFields counts required names produced as a non-empty argument
// by any action.
func matchedFields(required []string, actions []core.AgentAction) int {
	matched := 0
	for _, field := range required {
		for _, action := range actions {
			if hasValue(action.Args, field) {
				matched++
				break
			}
		}
	}
	return matched
}

func hasValue(args map[string]interface{}, key string) bool {
	v, ok := args[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// criteriaFraction is the weight-normalised sum of the built-in
// criteria named by the task. Unknown criterion names are skipped.
func criteriaFraction(task *tasks.Task, result *core.TurnResult, elapsedMs int64) float64 {
	var sum, weightSum float64
	for name, weight := range task.CriteriaWeights {
		if weight <= 0 {
			continue
		}
		value, known := criterionValue(name, task, result, elapsedMs)
		if !known {
			continue
		}
		sum += weight * value
		weightSum += weight
	}
	if weightSum == 0 {
		return 0
	}
	return clamp(sum/weightSum, 0, 1)
}

// criterionValue maps a criterion name to its [0,1] value for this turn.
func criterionValue(name string, task *tasks.Task, result *core.TurnResult, elapsedMs int64) (float64, bool) {
	switch name {
	case tasks.CriterionCompletion:
		if result.Done {
			return 1, true
		}
		return 0, true
	case tasks.CriterionSpeed:
		return speedFactor(task, elapsedMs), true
	case tasks.CriterionEfficiency:
		return efficiencyFactor(len(result.Actions)), true
	case tasks.CriterionAccuracy:
		return accuracyFraction(task, result), true
	}
	return 0, false
}

// efficiencyFactor rewards short action sequences: one action is
// perfect, twenty or more earn nothing.
func efficiencyFactor(actionCount int) float64 {
	if actionCount <= 0 {
		return 0
	}
	return clamp(1-float64(actionCount-1)/19, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
