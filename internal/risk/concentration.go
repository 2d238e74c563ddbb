package risk

import (
	"sort"
	"strings"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// Concentrations summarises how concentrated a portfolio is.
type Concentrations struct {
	Top1Pct      float64            `json:"top1_pct"`
	Top3Pct      float64            `json:"top3_pct"`
	Top5Pct      float64            `json:"top5_pct"`
	HHI          float64            `json:"hhi"`
	ByAssetClass map[string]float64 `json:"by_asset_class"`
	ByIssuer     map[string]float64 `json:"by_issuer"`
	ByCurrency   map[string]float64 `json:"by_currency"`
}

// ComputeConcentrations derives top-N shares, HHI and group weights.
func ComputeConcentrations(positions []domain.Position) Concentrations {
	weights := make([]float64, 0, len(positions))
	byClass := make(map[string]float64)
	byIssuer := make(map[string]float64)
	byCurrency := make(map[string]float64)

	hhi := 0.0
	for _, p := range positions {
		weights = append(weights, p.Weight)
		hhi += p.Weight * p.Weight
		byClass[string(p.AssetClass)] += p.Weight
		byIssuer[IssuerOf(p)] += p.Weight
		currency := p.Currency
		if currency == "" {
			currency = "RUB"
		}
		byCurrency[currency] += p.Weight
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(weights)))

	return Concentrations{
		Top1Pct:      topNPct(weights, 1),
		Top3Pct:      topNPct(weights, 3),
		Top5Pct:      topNPct(weights, 5),
		HHI:          hhi,
		ByAssetClass: byClass,
		ByIssuer:     byIssuer,
		ByCurrency:   byCurrency,
	}
}

func topNPct(sortedDesc []float64, n int) float64 {
	sum := 0.0
	for i := 0; i < n && i < len(sortedDesc); i++ {
		sum += sortedDesc[i]
	}
	return sum * 100
}

// IssuerOf resolves the issuer group of a position. An explicit issuer always
// wins; otherwise preferred shares fold into the ordinary line by stripping
// the trailing P from five-letter tickers (SBERP -> SBER, SNGSP -> SNGS);
// four-letter ordinaries like GAZP stay untouched. Without the exchange's
// reference table this heuristic is the documented convention.
func IssuerOf(p domain.Position) string {
	if p.Issuer != "" {
		return p.Issuer
	}
	ticker := strings.ToUpper(p.Ticker)
	if strings.HasSuffix(ticker, "P") && len(ticker) == 5 {
		return strings.TrimSuffix(ticker, "P")
	}
	return ticker
}
