package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsLoaded(t *testing.T) {
	r := NewRegistry()
	require.NotZero(t, r.Count())

	task, ok := r.Get("flight-search")
	require.True(t, ok)
	assert.Equal(t, MethodTime, task.Method)
	assert.Equal(t, float64(1000), task.MaxScore)
	assert.Equal(t, 60*time.Second, task.TimeLimit)
	assert.NotEmpty(t, task.AvailableTools)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		task *Task
	}{
		{"missing id", &Task{Method: MethodTime, MaxScore: 100}},
		{"bad method", &Task{ID: "x", Method: "vibes", MaxScore: 100}},
		{"zero max score", &Task{ID: "x", Method: MethodTime}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, r.Register(tt.task))
		})
	}
}

func TestRegisterDefaultsMissingFields(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Task{ID: "custom", Method: MethodTime, MaxScore: 500})
	require.NoError(t, err)

	task, ok := r.Get("custom")
	require.True(t, ok)
	assert.Equal(t, 10, task.MaxTurns)
	assert.Equal(t, defaultTools, task.AvailableTools)
}

func TestListOrderedByID(t *testing.T) {
	r := NewRegistry()
	list := r.List()
	require.Len(t, list, r.Count())
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("no-such-task")
	assert.False(t, ok)
}
