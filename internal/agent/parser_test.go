package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmycode/moex-agent/internal/domain"
)

var parseNow = time.Date(2024, 12, 15, 12, 0, 0, 0, time.UTC)

func TestParseRequest_InlinePortfolio(t *testing.T) {
	parsed := ParseRequest("Проанализируй риск портфеля: SBER 45%, GAZP 20%, LKOH 15%, ROSN 10%, GMKN 10%", parseNow)

	require.Len(t, parsed.Portfolio, 5)
	byTicker := make(map[string]float64)
	for _, p := range parsed.Portfolio {
		byTicker[p.Ticker] = p.Weight
	}
	assert.InDelta(t, 0.45, byTicker["SBER"], 1e-9)
	assert.InDelta(t, 0.10, byTicker["GMKN"], 1e-9)
	assert.ElementsMatch(t, []string{"SBER", "GAZP", "LKOH", "ROSN", "GMKN"}, parsed.Tickers)
}

func TestParseRequest_DecimalWeights(t *testing.T) {
	parsed := ParseRequest("portfolio risk SBER=0.5 GAZP=0.5", parseNow)
	require.Len(t, parsed.Portfolio, 2)
	assert.InDelta(t, 0.5, parsed.Portfolio[0].Weight, 1e-9)
}

func TestParseRequest_NonPortfolioNumbersIgnored(t *testing.T) {
	parsed := ParseRequest("Что с акцией SBER 2024?", parseNow)
	assert.Empty(t, parsed.Portfolio, "a lone ticker-number pair is not a portfolio")
	assert.Contains(t, parsed.Tickers, "SBER")
}

func TestParseRequest_Dates(t *testing.T) {
	parsed := ParseRequest("SBER с 2024-01-01 по 2024-12-01", parseNow)
	assert.Equal(t, "2024-01-01", parsed.FromDate.Format("2006-01-02"))
	assert.Equal(t, "2024-12-01", parsed.ToDate.Format("2006-01-02"))
}

func TestParseRequest_DefaultWindowIsTrailingYear(t *testing.T) {
	parsed := ParseRequest("обзор SBER", parseNow)
	assert.Equal(t, "2024-12-14", parsed.ToDate.Format("2006-01-02"))
	assert.Equal(t, "2023-12-14", parsed.FromDate.Format("2006-01-02"))
}

func TestParseRequest_IndexDetection(t *testing.T) {
	parsed := ParseRequest("риски индекса IMOEX", parseNow)
	assert.Equal(t, "IMOEX", parsed.Index)
	assert.NotContains(t, parsed.Tickers, "IMOEX")
}

func TestParseRequest_WeightsNormalised(t *testing.T) {
	// 50+49.9 = 99.9 is close enough and normalises to exactly one.
	parsed := ParseRequest("portfolio SBER 50%, GAZP 49.9%", parseNow)
	require.Len(t, parsed.Portfolio, 2)
	sum := parsed.Portfolio[0].Weight + parsed.Portfolio[1].Weight
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestTruncatePortfolio(t *testing.T) {
	positions := []domain.Position{
		{Ticker: "A", Weight: 0.4},
		{Ticker: "B", Weight: 0.3},
		{Ticker: "C", Weight: 0.2},
		{Ticker: "D", Weight: 0.1},
	}

	kept, others := TruncatePortfolio(positions, 2)
	require.Len(t, kept, 2)
	assert.Equal(t, "A", kept[0].Ticker)
	assert.Equal(t, "B", kept[1].Ticker)
	assert.InDelta(t, 0.3, others, 1e-12)

	sum := kept[0].Weight + kept[1].Weight
	assert.InDelta(t, 1.0, sum, 1e-12, "kept weights renormalise to one")
}

func TestTruncatePortfolio_NoOp(t *testing.T) {
	positions := []domain.Position{{Ticker: "A", Weight: 1.0}}
	kept, others := TruncatePortfolio(positions, 5)
	assert.Len(t, kept, 1)
	assert.Zero(t, others)
}
