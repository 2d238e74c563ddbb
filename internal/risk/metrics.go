package risk

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// AnnualisedVolatility is the sample standard deviation of daily returns
// scaled by sqrt(252).
func AnnualisedVolatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * math.Sqrt(TradingDaysPerYear)
}

// MaxDrawdown is the deepest peak-to-trough decline of the equity curve,
// expressed as a non-positive fraction in (-1, 0].
func MaxDrawdown(returns []float64) float64 {
	peak := 1.0
	value := 1.0
	worst := 0.0
	for _, r := range returns {
		value *= 1 + r
		if value > peak {
			peak = value
		}
		drawdown := value/peak - 1
		if drawdown < worst {
			worst = drawdown
		}
	}
	return worst
}

// VarConfig parameterises the historical-simulation VaR.
type VarConfig struct {
	Confidence  float64 `json:"confidence"`   // e.g. 0.95
	HorizonDays float64 `json:"horizon_days"` // e.g. 1
}

// DefaultVarConfig matches the documented defaults.
func DefaultVarConfig() VarConfig {
	return VarConfig{Confidence: 0.95, HorizonDays: 1}
}

// VarLight computes historical VaR and expected shortfall from a daily return
// series. Both are reported as non-negative fractions of portfolio value, with
// ES >= VaR by construction.
func VarLight(returns []float64, cfg VarConfig) (valueAtRisk, expectedShortfall float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = 0.95
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 1
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	quantile := stat.Quantile(1-cfg.Confidence, stat.Empirical, sorted, nil)

	scale := math.Sqrt(cfg.HorizonDays)
	valueAtRisk = math.Max(0, -quantile*scale)

	tailSum := 0.0
	tailCount := 0
	for _, r := range sorted {
		if r <= quantile {
			tailSum += r
			tailCount++
		}
	}
	if tailCount > 0 {
		expectedShortfall = math.Max(0, -(tailSum/float64(tailCount))*scale)
	}
	if expectedShortfall < valueAtRisk {
		expectedShortfall = valueAtRisk
	}
	return valueAtRisk, expectedShortfall
}

// AnnualisedReturn converts a total return over n daily observations to a
// yearly rate.
func AnnualisedReturn(totalReturn float64, observations int) float64 {
	if observations <= 0 || totalReturn <= -1 {
		return 0
	}
	years := float64(observations) / TradingDaysPerYear
	if years == 0 {
		return 0
	}
	return math.Pow(1+totalReturn, 1/years) - 1
}
