package risk

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmycode/moex-agent/internal/domain"
	"github.com/trustmycode/moex-agent/pkg/logger"
)

func equalWeightPortfolio(tickers ...string) []domain.Position {
	weight := 1.0 / float64(len(tickers))
	out := make([]domain.Position, len(tickers))
	for i, t := range tickers {
		out[i] = domain.Position{Ticker: t, Weight: weight, AssetClass: domain.AssetClassEquity, Currency: "RUB"}
	}
	return out
}

func testAnalyzer(maxTickers int) *Analyzer {
	log := logger.New(logger.Config{Level: "error"})
	return NewAnalyzer(&fixtureProvider{}, maxTickers, log)
}

func TestAnalyze_HappyPath(t *testing.T) {
	analyzer := testAnalyzer(10)
	result, err := analyzer.Analyze(context.Background(), AnalyzeRequest{
		Positions: equalWeightPortfolio("SBER", "GAZP", "LKOH", "GMKN"),
		FromDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:    time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.NotZero(t, result.Totals.Return)
	assert.Greater(t, result.Totals.Volatility, 0.0)
	assert.LessOrEqual(t, result.Totals.MaxDrawdown, 0.0)
	assert.GreaterOrEqual(t, result.Totals.VarLight, 0.0)
	assert.GreaterOrEqual(t, result.Totals.ExpectedShortfall, result.Totals.VarLight)

	assert.InDelta(t, 25.0, result.Concentrations.Top1Pct, 1e-9)
	assert.InDelta(t, 0.25, result.Concentrations.HHI, 1e-9)

	require.NotEmpty(t, result.StressScenarios)
	assert.Equal(t, "base_case", result.StressScenarios[0].Scenario)
	assert.Zero(t, result.StressScenarios[0].PnLPct)

	require.Len(t, result.PerInstrument, 4)
	for _, inst := range result.PerInstrument {
		assert.InDelta(t, 0.25, inst.Weight, 1e-12)
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	analyzer := testAnalyzer(10)
	req := AnalyzeRequest{
		Positions: equalWeightPortfolio("SBER", "GAZP"),
		FromDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		ToDate:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Rebalance: RebalanceMonthly,
	}

	first, err := analyzer.Analyze(context.Background(), req)
	require.NoError(t, err)
	second, err := analyzer.Analyze(context.Background(), req)
	require.NoError(t, err)

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	assert.Equal(t, string(firstJSON), string(secondJSON), "same input must give bit-identical output")
}

func TestAnalyze_RejectsInvalidPortfolio(t *testing.T) {
	analyzer := testAnalyzer(10)

	_, err := analyzer.Analyze(context.Background(), AnalyzeRequest{
		Positions: []domain.Position{{Ticker: "SBER", Weight: 0.5, AssetClass: domain.AssetClassEquity}},
		FromDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
}

func TestAnalyze_RejectsTooManyTickers(t *testing.T) {
	analyzer := testAnalyzer(2)

	_, err := analyzer.Analyze(context.Background(), AnalyzeRequest{
		Positions: equalWeightPortfolio("SBER", "GAZP", "LKOH"),
		FromDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CategoryTooManyTickers, domain.CategoryOf(err))
}

func TestAnalyze_FlagsOnThresholds(t *testing.T) {
	analyzer := testAnalyzer(10)
	result, err := analyzer.Analyze(context.Background(), AnalyzeRequest{
		Positions: []domain.Position{
			{Ticker: "SBER", Weight: 0.7, AssetClass: domain.AssetClassEquity},
			{Ticker: "GAZP", Weight: 0.3, AssetClass: domain.AssetClassEquity},
		},
		FromDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		RiskPrefs: &RiskPrefs{MaxTop1Pct: 50, MaxHHI: 0.4, MaxVarLight: 1e-9},
	})
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, flag := range result.Flags {
		ids[flag.ID] = true
	}
	assert.True(t, ids["concentration_top1"], "70%% single position must be flagged")
	assert.True(t, ids["concentration_hhi"])
	assert.True(t, ids["var_light"], "any positive VaR breaches a 1e-9 limit")
}

func TestAnalyze_ErrorsPropagate(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	analyzer := NewAnalyzer(&fixtureProvider{
		err: domain.NewError(domain.CategoryDateRangeTooLarge, "window too large", nil),
	}, 10, log)

	_, err := analyzer.Analyze(context.Background(), AnalyzeRequest{
		Positions: equalWeightPortfolio("SBER", "GAZP"),
		FromDate:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CategoryDateRangeTooLarge, domain.CategoryOf(err))
}
