package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioarena/backend/internal/core"
)

func TestEqualELOsYieldPickEm(t *testing.T) {
	odds := OddsFromELO(map[string]float64{"a": 1500, "b": 1500, "c": 1500})
	require.Len(t, odds, 3)
	for id, o := range odds {
		assert.Equal(t, -100, o, "agent %s", id)
	}
}

func TestSingleAgentPickEm(t *testing.T) {
	odds := OddsFromELO(map[string]float64{"solo": 1800})
	assert.Equal(t, map[string]int{"solo": PickEmOdds}, odds)
}

func TestFavouriteGetsNegativeLine(t *testing.T) {
	odds := OddsFromELO(map[string]float64{"strong": 1700, "weak": 1300})
	assert.Negative(t, odds["strong"])
	assert.Positive(t, odds["weak"])

	// 400 ELO gap: expected ~0.909 -> about -1000 / +1000
	assert.InDelta(t, -1000, odds["strong"], 20)
	assert.InDelta(t, 1000, odds["weak"], 20)
}

func TestExpectedScoresSumAcrossPair(t *testing.T) {
	exp := ExpectedScores(map[string]float64{"a": 1600, "b": 1400})
	assert.InDelta(t, 1.0, exp["a"]+exp["b"], 1e-9)
	assert.Greater(t, exp["a"], 0.5)
}

func TestAmericanPayout(t *testing.T) {
	tests := []struct {
		name   string
		stake  float64
		odds   int
		payout float64
	}{
		{"even money", 100, -100, 200},
		{"favourite", 100, -200, 150},
		{"underdog", 100, 150, 250},
		{"big dog", 50, 400, 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmericanPayout(tt.stake, tt.odds)
			require.NoError(t, err)
			assert.InDelta(t, tt.payout, got, 1e-9)
		})
	}
}

func TestAmericanPayoutRejectsBadInput(t *testing.T) {
	_, err := AmericanPayout(0, -100)
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, err = AmericanPayout(100, 0)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestAmericanFromExpectedBoundaries(t *testing.T) {
	assert.Equal(t, -100, AmericanFromExpected(0.5))
	assert.Positive(t, AmericanFromExpected(0.49))
	assert.Negative(t, AmericanFromExpected(0.51))
	// clamped extremes stay finite
	assert.Equal(t, AmericanFromExpected(0.99), AmericanFromExpected(1.0))
	assert.Equal(t, AmericanFromExpected(0.01), AmericanFromExpected(0.0))
}
