package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmycode/moex-agent/internal/domain"
)

func TestBuildLiquidityReport_Buckets(t *testing.T) {
	positions := []domain.Position{
		{Ticker: "SBER", Weight: 0.3, AssetClass: domain.AssetClassEquity, LiquidityBucket: domain.Liquidity0to7d},
		{Ticker: "OFZ26240", Weight: 0.3, AssetClass: domain.AssetClassFixedIncome, LiquidityBucket: domain.Liquidity8to30d},
		{Ticker: "CORP1", Weight: 0.2, AssetClass: domain.AssetClassCredit, LiquidityBucket: domain.Liquidity31to90d},
		{Ticker: "PRIVATE", Weight: 0.2, AssetClass: domain.AssetClassCredit, LiquidityBucket: domain.Liquidity90dPlus},
	}

	report := BuildLiquidityReport(positions, "RUB", Aggregates{FixedIncomeDurationYears: 5, CreditSpreadDurationYears: 3}, 10_000_000, nil)

	assert.InDelta(t, 0.3, report.Buckets[string(domain.Liquidity0to7d)], 1e-12)
	assert.InDelta(t, 30.0, report.QuickRatioPct, 1e-9)
	assert.InDelta(t, 60.0, report.ShortTermRatioPct, 1e-9)
	require.NotEmpty(t, report.StressScenarios)
	assert.Equal(t, "base_case", report.StressScenarios[0].Scenario)
}

func TestBuildLiquidityReport_DefaultBucket(t *testing.T) {
	positions := []domain.Position{
		{Ticker: "SBER", Weight: 1.0, AssetClass: domain.AssetClassEquity},
	}
	report := BuildLiquidityReport(positions, "RUB", Aggregates{}, 0, nil)
	assert.InDelta(t, 1.0, report.Buckets[string(domain.Liquidity31to90d)], 1e-12, "positions without a bucket default to 31-90d")
	assert.Zero(t, report.QuickRatioPct)
}

func TestBuildLiquidityReport_Recommendations(t *testing.T) {
	// Nothing liquid, everything in the long tail: both ratio warnings plus
	// the long-tail warning must fire.
	positions := []domain.Position{
		{Ticker: "PRIVATE1", Weight: 0.6, AssetClass: domain.AssetClassCredit, LiquidityBucket: domain.Liquidity90dPlus},
		{Ticker: "PRIVATE2", Weight: 0.4, AssetClass: domain.AssetClassCredit, LiquidityBucket: domain.Liquidity90dPlus},
	}
	report := BuildLiquidityReport(positions, "RUB", Aggregates{CreditSpreadDurationYears: 4}, 1_000_000, nil)
	assert.GreaterOrEqual(t, len(report.Recommendations), 3)
}
