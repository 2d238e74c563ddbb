package risk

import (
	"fmt"
	"sort"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// Aggregates carries the portfolio-level factor inputs the stress engine
// needs but cannot derive from weights alone.
type Aggregates struct {
	FixedIncomeDurationYears  float64 `json:"fixed_income_duration_years"`
	CreditSpreadDurationYears float64 `json:"credit_spread_duration_years"`
	// FXForeignWeight overrides the computed foreign-currency share when the
	// caller has a better number (e.g. look-through on funds).
	FXForeignWeight *float64 `json:"fx_foreign_weight,omitempty"`
}

// StressScenario is a linear shock expressed through the four factor loadings
// of the engine. Additional scenarios compose from the same loadings.
type StressScenario struct {
	Name           string  `json:"name"`
	EquityShockPct float64 `json:"equity_shock_pct"` // e.g. -0.10 for a 10% equity drop
	FXShockPct     float64 `json:"fx_shock_pct"`     // applied to foreign-currency exposure
	RateShockBp    float64 `json:"rate_shock_bp"`    // parallel rate move in basis points
	CreditShockBp  float64 `json:"credit_shock_bp"`  // credit spread move in basis points
}

// CanonicalScenarios are the four scenarios every portfolio report includes.
func CanonicalScenarios() []StressScenario {
	return []StressScenario{
		{Name: "base_case"},
		{Name: "equity_-10_fx_+20", EquityShockPct: -0.10, FXShockPct: 0.20},
		{Name: "rates_+300bp", RateShockBp: 300},
		{Name: "credit_spreads_+150bp", CreditShockBp: 150},
	}
}

// CovenantLimits are breach thresholds checked per scenario.
type CovenantLimits struct {
	MaxStressLossPct  float64 `json:"max_stress_loss_pct,omitempty"`  // e.g. 0.15 allows at most a 15% scenario loss
	MinPortfolioValue float64 `json:"min_portfolio_value,omitempty"` // absolute floor after the scenario P&L
}

// ScenarioResult is the outcome of one stress scenario.
type ScenarioResult struct {
	Scenario         string   `json:"scenario"`
	PnLPct           float64  `json:"pnl_pct"`
	PnLValue         float64  `json:"pnl_value,omitempty"`
	CovenantBreaches []string `json:"covenant_breaches,omitempty"`
}

// Exposures are the factor weights extracted from a portfolio.
type Exposures struct {
	Equity      float64
	FixedIncome float64
	Credit      float64
	FXForeign   float64
}

// ComputeExposures derives factor weights from the position mix. The
// foreign-currency exposure is every position not denominated in the base
// currency, plus explicit fx positions.
func ComputeExposures(positions []domain.Position, baseCurrency string, aggregates Aggregates) Exposures {
	if baseCurrency == "" {
		baseCurrency = "RUB"
	}
	var exp Exposures
	for _, p := range positions {
		switch p.AssetClass {
		case domain.AssetClassEquity:
			exp.Equity += p.Weight
		case domain.AssetClassFixedIncome:
			exp.FixedIncome += p.Weight
		case domain.AssetClassCredit:
			exp.Credit += p.Weight
		case domain.AssetClassFX:
			exp.FXForeign += p.Weight
			continue
		}
		if p.Currency != "" && p.Currency != baseCurrency {
			exp.FXForeign += p.Weight
		}
	}
	if aggregates.FXForeignWeight != nil {
		exp.FXForeign = *aggregates.FXForeignWeight
	}
	return exp
}

// RunStressScenarios evaluates the linear stress model for every scenario.
//
// The model is deterministic: P&L is a dot product of shocks and factor
// exposures, so identical inputs produce bit-identical outputs.
func RunStressScenarios(
	scenarios []StressScenario,
	exposures Exposures,
	aggregates Aggregates,
	totalValue float64,
	covenants *CovenantLimits,
) []ScenarioResult {
	results := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		pnl := sc.EquityShockPct*exposures.Equity +
			sc.FXShockPct*exposures.FXForeign -
			(sc.RateShockBp/10000)*aggregates.FixedIncomeDurationYears*exposures.FixedIncome -
			(sc.CreditShockBp/10000)*aggregates.CreditSpreadDurationYears*exposures.Credit

		result := ScenarioResult{Scenario: sc.Name, PnLPct: pnl}
		if totalValue > 0 {
			result.PnLValue = pnl * totalValue
		}
		if covenants != nil {
			result.CovenantBreaches = checkCovenants(pnl, totalValue, covenants)
		}
		results = append(results, result)
	}
	return results
}

func checkCovenants(pnlPct, totalValue float64, limits *CovenantLimits) []string {
	var breaches []string
	if limits.MaxStressLossPct > 0 && pnlPct < -limits.MaxStressLossPct {
		breaches = append(breaches, fmt.Sprintf("stress loss %.2f%% exceeds limit %.2f%%", -pnlPct*100, limits.MaxStressLossPct*100))
	}
	if limits.MinPortfolioValue > 0 && totalValue > 0 {
		after := totalValue * (1 + pnlPct)
		if after < limits.MinPortfolioValue {
			breaches = append(breaches, fmt.Sprintf("portfolio value %.2f falls below floor %.2f", after, limits.MinPortfolioValue))
		}
	}
	sort.Strings(breaches)
	return breaches
}
