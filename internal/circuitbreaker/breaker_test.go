package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failed")

func testConfig() *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

func fail(cb *CircuitBreaker) error {
	_, err := cb.Execute(func() (interface{}, error) { return nil, errUpstream })
	return err
}

func succeed(cb *CircuitBreaker) error {
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	return err
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig())
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(cb), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Open breaker short-circuits without executing.
	executed := false
	_, err := cb.Execute(func() (interface{}, error) {
		executed = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, executed)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		_ = fail(cb)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, succeed(cb))
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		_ = fail(cb)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.Error(t, fail(cb))
	assert.Equal(t, StateOpen, cb.State())
}

func TestExecuteContextPassesContext(t *testing.T) {
	cb := New(testConfig())
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	got, err := cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return ctx.Value(key{}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestManagerReusesBreakerPerName(t *testing.T) {
	m := NewManager(testConfig())

	a := m.Get("openai")
	b := m.Get("openai")
	c := m.Get("anthropic")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "openai", a.Name())

	stats := m.Stats()
	assert.Len(t, stats, 2)
	assert.Equal(t, StateClosed, stats["anthropic"].State)
}
