package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioarena/backend/internal/core"
)

func TestBuyPreservesProduct(t *testing.T) {
	tests := []struct {
		name   string
		pool   Pool
		side   Side
		amount float64
	}{
		{"balanced yes", NewPool(100), SideYes, 50},
		{"balanced no", NewPool(100), SideNo, 25},
		{"skewed yes", Pool{Yes: 30, No: 300}, SideYes, 10},
		{"skewed no", Pool{Yes: 500, No: 60}, SideNo, 120},
		{"tiny bet", NewPool(1000), SideYes, 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.pool.Yes * tt.pool.No
			shares, next, err := tt.pool.Buy(tt.side, tt.amount)
			require.NoError(t, err)
			assert.InDelta(t, before, next.Yes*next.No, before*1e-9)
			assert.Greater(t, shares, tt.amount, "shares include the stake plus the removed pool side")
		})
	}
}

func TestBuyRejectsBadInput(t *testing.T) {
	pool := NewPool(100)

	_, _, err := pool.Buy(SideYes, 0)
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, _, err = pool.Buy(SideYes, -5)
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, _, err = pool.Buy("MAYBE", 10)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestImpliedProbability(t *testing.T) {
	assert.InDelta(t, 0.5, NewPool(100).ImpliedProbability(), 1e-9)
	assert.InDelta(t, 0.25, Pool{Yes: 50, No: 150}.ImpliedProbability(), 1e-9)
	assert.InDelta(t, 0.75, Pool{Yes: 50, No: 150}.Price(SideNo), 1e-9)
	// degenerate pool falls back to a coin flip
	assert.InDelta(t, 0.5, Pool{}.ImpliedProbability(), 1e-9)
}

func TestBuyingMovesPrice(t *testing.T) {
	pool := NewPool(100)
	_, next, err := pool.Buy(SideYes, 50)
	require.NoError(t, err)
	// money on YES raises the NO pool and drains YES, so the YES share
	// of the pool drops while its CPMM price (scarcity) rises
	assert.Less(t, next.Yes, pool.Yes)
	assert.Greater(t, next.No, pool.No)
}
