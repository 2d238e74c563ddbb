package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarLight_Invariants(t *testing.T) {
	cases := []struct {
		name    string
		returns []float64
	}{
		{"mixed", []float64{-0.05, 0.01, -0.02, 0.03, -0.01, 0.02, -0.04, 0.005, 0.015, -0.03}},
		{"all positive", []float64{0.01, 0.02, 0.005, 0.015}},
		{"all negative", []float64{-0.01, -0.02, -0.005, -0.015}},
		{"single", []float64{-0.07}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			valueAtRisk, shortfall := VarLight(tc.returns, DefaultVarConfig())
			assert.GreaterOrEqual(t, valueAtRisk, 0.0, "VaR must be non-negative")
			assert.GreaterOrEqual(t, shortfall, valueAtRisk, "ES must dominate VaR")
		})
	}
}

func TestVarLight_HorizonScaling(t *testing.T) {
	returns := []float64{-0.05, 0.01, -0.02, 0.03, -0.01, 0.02, -0.04, 0.005, 0.015, -0.03}
	oneDay, _ := VarLight(returns, VarConfig{Confidence: 0.95, HorizonDays: 1})
	fourDay, _ := VarLight(returns, VarConfig{Confidence: 0.95, HorizonDays: 4})
	assert.InDelta(t, oneDay*2, fourDay, 1e-12, "4-day VaR scales by sqrt(4)")
}

func TestVarLight_Empty(t *testing.T) {
	valueAtRisk, shortfall := VarLight(nil, DefaultVarConfig())
	assert.Zero(t, valueAtRisk)
	assert.Zero(t, shortfall)
}

func TestMaxDrawdown_Range(t *testing.T) {
	drawdown := MaxDrawdown([]float64{0.10, -0.20, 0.05, -0.10, 0.30})
	assert.Greater(t, drawdown, -1.0)
	assert.LessOrEqual(t, drawdown, 0.0)
}

func TestMaxDrawdown_AllPositiveIsZero(t *testing.T) {
	assert.Zero(t, MaxDrawdown([]float64{0.01, 0.0, 0.02, 0.005}))
}

func TestMaxDrawdown_KnownPath(t *testing.T) {
	// 1.0 -> 1.1 (peak) -> 0.88 -> 0.968: trough at 0.88/1.1 - 1 = -0.2
	drawdown := MaxDrawdown([]float64{0.10, -0.20, 0.10})
	assert.InDelta(t, -0.20, drawdown, 1e-12)
}

func TestAnnualisedVolatility(t *testing.T) {
	flat := AnnualisedVolatility([]float64{0.01, 0.01, 0.01, 0.01})
	assert.Zero(t, flat, "constant returns have zero volatility")

	vol := AnnualisedVolatility([]float64{0.01, -0.01, 0.01, -0.01})
	require.Greater(t, vol, 0.0)
	assert.InDelta(t, math.Sqrt(252)*0.011547, vol, 1e-4)
}

func TestAnnualisedReturn(t *testing.T) {
	// A full trading year annualises to itself.
	assert.InDelta(t, 0.10, AnnualisedReturn(0.10, 252), 1e-12)
	// Half a year doubles (geometrically).
	assert.InDelta(t, math.Pow(1.10, 2)-1, AnnualisedReturn(0.10, 126), 1e-12)
}
