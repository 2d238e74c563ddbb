package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trustmycode/moex-agent/internal/domain"
)

func TestComputeConcentrations_EqualWeights(t *testing.T) {
	positions := []domain.Position{
		{Ticker: "SBER", Weight: 0.25, AssetClass: domain.AssetClassEquity, Currency: "RUB"},
		{Ticker: "GAZP", Weight: 0.25, AssetClass: domain.AssetClassEquity, Currency: "RUB"},
		{Ticker: "LKOH", Weight: 0.25, AssetClass: domain.AssetClassEquity, Currency: "RUB"},
		{Ticker: "GMKN", Weight: 0.25, AssetClass: domain.AssetClassEquity, Currency: "RUB"},
	}

	conc := ComputeConcentrations(positions)
	assert.InDelta(t, 25.0, conc.Top1Pct, 1e-12)
	assert.InDelta(t, 75.0, conc.Top3Pct, 1e-12)
	assert.InDelta(t, 100.0, conc.Top5Pct, 1e-12)
	assert.InDelta(t, 0.25, conc.HHI, 1e-12)
	assert.InDelta(t, 1.0, conc.ByAssetClass[string(domain.AssetClassEquity)], 1e-12)
	assert.InDelta(t, 1.0, conc.ByCurrency["RUB"], 1e-12)
}

func TestComputeConcentrations_Groupings(t *testing.T) {
	positions := []domain.Position{
		{Ticker: "SBER", Weight: 0.4, AssetClass: domain.AssetClassEquity, Currency: "RUB"},
		{Ticker: "SBERP", Weight: 0.2, AssetClass: domain.AssetClassEquity, Currency: "RUB"},
		{Ticker: "POLY", Weight: 0.4, AssetClass: domain.AssetClassEquity, Currency: "USD"},
	}

	conc := ComputeConcentrations(positions)
	assert.InDelta(t, 0.6, conc.ByIssuer["SBER"], 1e-12, "preferred shares fold into the ordinary line")
	assert.InDelta(t, 0.4, conc.ByCurrency["USD"], 1e-12)
}

func TestIssuerOf(t *testing.T) {
	assert.Equal(t, "SBER", IssuerOf(domain.Position{Ticker: "SBERP"}))
	assert.Equal(t, "SBER", IssuerOf(domain.Position{Ticker: "SBER"}))
	assert.Equal(t, "GAZP", IssuerOf(domain.Position{Ticker: "GAZP"}))
	// A trailing P on a short stem stays untouched.
	assert.Equal(t, "GSP", IssuerOf(domain.Position{Ticker: "GSP"}))
	// An explicit issuer always wins.
	assert.Equal(t, "SBERBANK", IssuerOf(domain.Position{Ticker: "SBERP", Issuer: "SBERBANK"}))
}
