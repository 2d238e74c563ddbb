package risk

import (
	"fmt"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// LiquidityReport is the CFO-oriented liquidity view of a portfolio.
type LiquidityReport struct {
	Buckets           map[string]float64 `json:"buckets"`              // bucket -> weight
	QuickRatioPct     float64            `json:"quick_ratio_pct"`      // weight realisable within 7 days
	ShortTermRatioPct float64            `json:"short_term_ratio_pct"` // weight realisable within 30 days
	StressScenarios   []ScenarioResult   `json:"stress_scenarios"`
	Recommendations   []string           `json:"recommendations,omitempty"`
}

// BuildLiquidityReport buckets positions by liquidity, derives the coverage
// ratios and reuses the stress engine for the scenario view. Positions
// without a bucket default to 31-90d, the conservative middle.
func BuildLiquidityReport(
	positions []domain.Position,
	baseCurrency string,
	aggregates Aggregates,
	totalValue float64,
	covenants *CovenantLimits,
) *LiquidityReport {
	buckets := map[string]float64{
		string(domain.Liquidity0to7d):   0,
		string(domain.Liquidity8to30d):  0,
		string(domain.Liquidity31to90d): 0,
		string(domain.Liquidity90dPlus): 0,
	}
	for _, p := range positions {
		bucket := p.LiquidityBucket
		if bucket == "" {
			bucket = domain.Liquidity31to90d
		}
		buckets[string(bucket)] += p.Weight
	}

	quick := buckets[string(domain.Liquidity0to7d)]
	shortTerm := quick + buckets[string(domain.Liquidity8to30d)]

	exposures := ComputeExposures(positions, baseCurrency, aggregates)
	scenarios := RunStressScenarios(CanonicalScenarios(), exposures, aggregates, totalValue, covenants)

	report := &LiquidityReport{
		Buckets:           buckets,
		QuickRatioPct:     quick * 100,
		ShortTermRatioPct: shortTerm * 100,
		StressScenarios:   scenarios,
	}
	report.Recommendations = liquidityRecommendations(report, scenarios)
	return report
}

// liquidityRecommendations derives the advisory list from the ratios and the
// worst stress outcome. Thresholds follow common treasury practice: 10%
// within a week, 25% within a month.
func liquidityRecommendations(report *LiquidityReport, scenarios []ScenarioResult) []string {
	var recs []string
	if report.QuickRatioPct < 10 {
		recs = append(recs, fmt.Sprintf("quick liquidity is %.1f%% of the portfolio; consider raising the 0-7d bucket above 10%%", report.QuickRatioPct))
	}
	if report.ShortTermRatioPct < 25 {
		recs = append(recs, fmt.Sprintf("short-term liquidity is %.1f%%; below the 25%% comfort level for monthly obligations", report.ShortTermRatioPct))
	}
	if longTail := report.Buckets[string(domain.Liquidity90dPlus)]; longTail > 0.4 {
		recs = append(recs, fmt.Sprintf("%.0f%% of the portfolio needs more than 90 days to unwind", longTail*100))
	}

	worst := 0.0
	worstName := ""
	for _, sc := range scenarios {
		if sc.PnLPct < worst {
			worst = sc.PnLPct
			worstName = sc.Scenario
		}
		if len(sc.CovenantBreaches) > 0 {
			recs = append(recs, fmt.Sprintf("scenario %s breaches covenants: %s", sc.Scenario, sc.CovenantBreaches[0]))
		}
	}
	if worst < -0.10 {
		recs = append(recs, fmt.Sprintf("worst scenario %s loses %.1f%%; review hedges before drawing on credit lines", worstName, -worst*100))
	}
	return recs
}
