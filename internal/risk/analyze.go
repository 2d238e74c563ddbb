package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/trustmycode/moex-agent/internal/domain"
	"github.com/trustmycode/moex-agent/internal/moex"
)

// RiskPrefs are the flag thresholds a caller can tune.
type RiskPrefs struct {
	MaxVarLight float64 `json:"max_var_light,omitempty"` // fraction of portfolio value
	MaxTop1Pct  float64 `json:"max_top1_pct,omitempty"`
	MaxHHI      float64 `json:"max_hhi,omitempty"`
}

// AnalyzeRequest is the full input of the portfolio risk analysis.
type AnalyzeRequest struct {
	Positions           []domain.Position
	FromDate            time.Time
	ToDate              time.Time
	BaseCurrency        string
	Rebalance           RebalanceMode
	Aggregates          Aggregates
	ExtraScenarios      []StressScenario
	VarConfig           *VarConfig
	TotalPortfolioValue float64
	CovenantLimits      *CovenantLimits
	RiskPrefs           *RiskPrefs
}

// Totals summarises the whole portfolio over the window.
type Totals struct {
	Value             float64 `json:"value,omitempty"`
	Return            float64 `json:"return"`
	AnnualisedReturn  float64 `json:"annualised_return"`
	Volatility        float64 `json:"volatility"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	VarLight          float64 `json:"var_light"`
	ExpectedShortfall float64 `json:"expected_shortfall"`
	TradingDays       int     `json:"trading_days"`
}

// InstrumentStats reports per-ticker figures over the same window.
type InstrumentStats struct {
	Ticker      string  `json:"ticker"`
	Weight      float64 `json:"weight"`
	TotalReturn float64 `json:"total_return"`
	Volatility  float64 `json:"volatility"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// Flag marks a breached risk preference.
type Flag struct {
	ID        string  `json:"id"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// AnalyzeResult is the output of the portfolio risk analysis.
type AnalyzeResult struct {
	Totals          Totals            `json:"totals"`
	PerInstrument   []InstrumentStats `json:"per_instrument"`
	Concentrations  Concentrations    `json:"concentrations"`
	StressScenarios []ScenarioResult  `json:"stress_scenarios"`
	Flags           []Flag            `json:"flags,omitempty"`
}

// Analyzer runs portfolio risk analyses against a market-data provider.
type Analyzer struct {
	provider   moex.Provider
	maxTickers int
	log        zerolog.Logger
}

// NewAnalyzer creates an analyzer. maxTickers bounds the portfolio size a
// single analysis accepts.
func NewAnalyzer(provider moex.Provider, maxTickers int, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		provider:   provider,
		maxTickers: maxTickers,
		log:        log.With().Str("component", "risk-analyzer").Logger(),
	}
}

// Analyze validates the portfolio, fetches and aligns price history, and
// produces the complete risk picture. The arithmetic order is fixed, so the
// same input yields bit-identical output.
func (a *Analyzer) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	if err := domain.ValidatePortfolio(req.Positions); err != nil {
		return nil, err
	}
	if a.maxTickers > 0 && len(req.Positions) > a.maxTickers {
		return nil, domain.NewError(domain.CategoryTooManyTickers,
			fmt.Sprintf("portfolio has %d tickers, limit is %d", len(req.Positions), a.maxTickers), nil)
	}
	if req.Rebalance == "" {
		req.Rebalance = RebalanceBuyAndHold
	}
	if req.Rebalance != RebalanceBuyAndHold && req.Rebalance != RebalanceMonthly {
		return nil, domain.NewValidationError("rebalance", fmt.Sprintf("unsupported rebalance mode %q", req.Rebalance))
	}

	// Deterministic fetch order; the provider's rate limiter serialises the
	// upstream traffic anyway.
	tickers := make([]string, 0, len(req.Positions))
	weights := make(map[string]float64, len(req.Positions))
	for _, p := range req.Positions {
		tickers = append(tickers, p.Ticker)
		weights[p.Ticker] = p.Weight
	}
	sort.Strings(tickers)

	series := make(map[string][]domain.OHLCVBar, len(tickers))
	for _, ticker := range tickers {
		bars, err := a.provider.OHLCV(ctx, ticker, domain.DefaultBoard, req.FromDate, req.ToDate, domain.IntervalDaily)
		if err != nil {
			return nil, err
		}
		if len(bars) < 2 {
			return nil, domain.NewError(domain.CategoryInvalidTicker,
				fmt.Sprintf("not enough price history for %s in the requested window", ticker), nil)
		}
		series[ticker] = bars
	}

	aligned := Align(series)
	if len(aligned.Dates) < 2 {
		return nil, domain.NewError(domain.CategoryDateRangeTooLarge,
			"tickers share fewer than two trading days in the requested window", nil)
	}

	perTicker := make(map[string][]float64, len(tickers))
	for _, ticker := range tickers {
		perTicker[ticker] = DailyReturns(aligned.Closes[ticker])
	}
	returnDates := aligned.Dates[1:]

	portfolioReturns := PortfolioReturns(weights, perTicker, returnDates, req.Rebalance)

	varCfg := DefaultVarConfig()
	if req.VarConfig != nil {
		varCfg = *req.VarConfig
	}
	valueAtRisk, shortfall := VarLight(portfolioReturns, varCfg)

	total := TotalReturn(portfolioReturns)
	totals := Totals{
		Value:             req.TotalPortfolioValue,
		Return:            total,
		AnnualisedReturn:  AnnualisedReturn(total, len(portfolioReturns)),
		Volatility:        AnnualisedVolatility(portfolioReturns),
		MaxDrawdown:       MaxDrawdown(portfolioReturns),
		VarLight:          valueAtRisk,
		ExpectedShortfall: shortfall,
		TradingDays:       len(aligned.Dates),
	}

	perInstrument := make([]InstrumentStats, 0, len(tickers))
	for _, ticker := range tickers {
		r := perTicker[ticker]
		perInstrument = append(perInstrument, InstrumentStats{
			Ticker:      ticker,
			Weight:      weights[ticker],
			TotalReturn: TotalReturn(r),
			Volatility:  AnnualisedVolatility(r),
			MaxDrawdown: MaxDrawdown(r),
		})
	}

	concentrations := ComputeConcentrations(req.Positions)

	scenarios := CanonicalScenarios()
	scenarios = append(scenarios, req.ExtraScenarios...)
	exposures := ComputeExposures(req.Positions, req.BaseCurrency, req.Aggregates)
	stress := RunStressScenarios(scenarios, exposures, req.Aggregates, req.TotalPortfolioValue, req.CovenantLimits)

	return &AnalyzeResult{
		Totals:          totals,
		PerInstrument:   perInstrument,
		Concentrations:  concentrations,
		StressScenarios: stress,
		Flags:           computeFlags(totals, concentrations, req.RiskPrefs),
	}, nil
}

// computeFlags raises flags where thresholds are exceeded. Defaults apply
// when the caller supplies no preferences.
func computeFlags(totals Totals, conc Concentrations, prefs *RiskPrefs) []Flag {
	maxTop1 := 40.0
	maxHHI := 0.30
	maxVar := 0.0
	if prefs != nil {
		if prefs.MaxTop1Pct > 0 {
			maxTop1 = prefs.MaxTop1Pct
		}
		if prefs.MaxHHI > 0 {
			maxHHI = prefs.MaxHHI
		}
		maxVar = prefs.MaxVarLight
	}

	var flags []Flag
	if conc.Top1Pct > maxTop1 {
		flags = append(flags, Flag{
			ID:        "concentration_top1",
			Severity:  "warning",
			Message:   fmt.Sprintf("largest position is %.1f%% of the portfolio (threshold %.1f%%)", conc.Top1Pct, maxTop1),
			Value:     conc.Top1Pct,
			Threshold: maxTop1,
		})
	}
	if conc.HHI > maxHHI {
		flags = append(flags, Flag{
			ID:        "concentration_hhi",
			Severity:  "warning",
			Message:   fmt.Sprintf("portfolio HHI %.3f exceeds threshold %.3f", conc.HHI, maxHHI),
			Value:     conc.HHI,
			Threshold: maxHHI,
		})
	}
	if maxVar > 0 && totals.VarLight > maxVar {
		flags = append(flags, Flag{
			ID:        "var_light",
			Severity:  "critical",
			Message:   fmt.Sprintf("1-day VaR %.4f exceeds the configured limit %.4f", totals.VarLight, maxVar),
			Value:     totals.VarLight,
			Threshold: maxVar,
		})
	}
	return flags
}
