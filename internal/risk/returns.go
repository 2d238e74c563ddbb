// Package risk implements the portfolio analytics behind the risk MCP tools:
// return series construction, volatility and drawdown, historical VaR,
// concentration measures, the linear stress engine and the deterministic
// rebalance heuristic.
package risk

import (
	"sort"
	"time"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// TradingDaysPerYear is the annualisation base for daily series.
const TradingDaysPerYear = 252

// RebalanceMode selects how portfolio weights evolve through the window.
type RebalanceMode string

const (
	RebalanceBuyAndHold RebalanceMode = "buy_and_hold"
	RebalanceMonthly    RebalanceMode = "monthly"
)

// AlignedSeries holds close prices for several tickers restricted to the
// trading days they all share, in ascending date order.
type AlignedSeries struct {
	Dates  []time.Time
	Closes map[string][]float64
}

// Align intersects the per-ticker bar series on trading date. Days missing
// from any ticker are dropped for all of them.
func Align(series map[string][]domain.OHLCVBar) *AlignedSeries {
	if len(series) == 0 {
		return &AlignedSeries{Closes: map[string][]float64{}}
	}

	// Count date occurrences across tickers; a shared day appears once per ticker.
	counts := make(map[string]int)
	closeByTickerDate := make(map[string]map[string]float64, len(series))
	for ticker, bars := range series {
		byDate := make(map[string]float64, len(bars))
		for _, bar := range bars {
			key := bar.Date.Format("2006-01-02")
			if _, dup := byDate[key]; dup {
				continue
			}
			byDate[key] = bar.Close
			counts[key]++
		}
		closeByTickerDate[ticker] = byDate
	}

	shared := make([]string, 0, len(counts))
	for key, n := range counts {
		if n == len(series) {
			shared = append(shared, key)
		}
	}
	sort.Strings(shared)

	aligned := &AlignedSeries{
		Dates:  make([]time.Time, 0, len(shared)),
		Closes: make(map[string][]float64, len(series)),
	}
	for _, key := range shared {
		date, _ := time.Parse("2006-01-02", key)
		aligned.Dates = append(aligned.Dates, date)
	}
	for ticker, byDate := range closeByTickerDate {
		closes := make([]float64, len(shared))
		for i, key := range shared {
			closes[i] = byDate[key]
		}
		aligned.Closes[ticker] = closes
	}
	return aligned
}

// DailyReturns computes simple daily returns r_t = (C_t - C_{t-1}) / C_{t-1}.
// The result has len(closes)-1 entries aligned to Dates[1:].
func DailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	returns := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			returns[i-1] = 0
			continue
		}
		returns[i-1] = (closes[i] - closes[i-1]) / closes[i-1]
	}
	return returns
}

// PortfolioReturns builds the portfolio return series from per-ticker daily
// returns and input weights.
//
// Under buy_and_hold, weights drift with realised returns:
// w_{i,t} = w_{i,t-1}(1+r_{i,t}) / (1+R_t). Under monthly rebalance, weights
// reset to the input weights on the first trading day of each calendar month.
// Dividends are not reinvested; the series is price-only (documented
// convention for the monthly-reset/dividend ambiguity).
func PortfolioReturns(weights map[string]float64, perTicker map[string][]float64, returnDates []time.Time, mode RebalanceMode) []float64 {
	tickers := make([]string, 0, len(perTicker))
	n := -1
	for ticker, r := range perTicker {
		tickers = append(tickers, ticker)
		if n == -1 || len(r) < n {
			n = len(r)
		}
	}
	sort.Strings(tickers) // deterministic summation order
	if n <= 0 {
		return nil
	}

	current := make(map[string]float64, len(weights))
	for k, v := range weights {
		current[k] = v
	}

	portfolio := make([]float64, n)
	for t := 0; t < n; t++ {
		if mode == RebalanceMonthly && t > 0 && t < len(returnDates) &&
			returnDates[t].Month() != returnDates[t-1].Month() {
			for k, v := range weights {
				current[k] = v
			}
		}

		rt := 0.0
		for _, ticker := range tickers {
			rt += current[ticker] * perTicker[ticker][t]
		}
		portfolio[t] = rt

		// Drift weights for the next day
		if 1+rt != 0 {
			for _, ticker := range tickers {
				current[ticker] = current[ticker] * (1 + perTicker[ticker][t]) / (1 + rt)
			}
		}
	}
	return portfolio
}

// TotalReturn is the compounded return of a series.
func TotalReturn(returns []float64) float64 {
	product := 1.0
	for _, r := range returns {
		product *= 1 + r
	}
	return product - 1
}

// EquityCurve returns the cumulative growth path E_t = prod(1+R_s), s<=t.
func EquityCurve(returns []float64) []float64 {
	curve := make([]float64, len(returns))
	value := 1.0
	for i, r := range returns {
		value *= 1 + r
		curve[i] = value
	}
	return curve
}
