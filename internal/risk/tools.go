package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/trustmycode/moex-agent/internal/config"
	"github.com/trustmycode/moex-agent/internal/domain"
	"github.com/trustmycode/moex-agent/internal/mcp"
	"github.com/trustmycode/moex-agent/internal/moex"
)

const dateLayout = "2006-01-02"

// parseDate converts a yyyy-mm-dd argument into a time, attributing failures
// to the named field.
func parseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, fmt.Sprintf("expected yyyy-mm-dd, got %q", value))
	}
	return t, nil
}

// ==========================================
// Market-data tools (moex-mcp)
// ==========================================

type snapshotArgs struct {
	Ticker string `json:"ticker" validate:"required"`
	Board  string `json:"board"`
}

type ohlcvArgs struct {
	Ticker   string `json:"ticker" validate:"required"`
	Board    string `json:"board"`
	FromDate string `json:"from_date" validate:"required"`
	ToDate   string `json:"to_date" validate:"required"`
	Interval string `json:"interval" validate:"omitempty,oneof=1d 1h"`
}

type constituentsArgs struct {
	IndexTicker string `json:"index_ticker" validate:"required"`
	AsOf        string `json:"as_of"`
}

type dividendsArgs struct {
	Ticker   string `json:"ticker" validate:"required"`
	FromDate string `json:"from_date" validate:"required"`
	ToDate   string `json:"to_date" validate:"required"`
}

// RegisterMarketDataTools exposes the provider operations as MCP tools.
func RegisterMarketDataTools(registry *mcp.Registry, provider moex.Provider, log zerolog.Logger) {
	registry.Register(&mcp.Tool{
		Name:        "get_security_snapshot",
		Description: "Current market snapshot of a security on a MOEX board",
		CostRank:    1,
		NewArgs:     func() any { return &snapshotArgs{} },
		Handler: func(ctx context.Context, args any) (any, map[string]any, error) {
			a := args.(*snapshotArgs)
			snapshot, err := provider.Snapshot(ctx, a.Ticker, a.Board)
			if err != nil {
				return nil, nil, err
			}
			return snapshot, nil, nil
		},
	})

	registry.Register(&mcp.Tool{
		Name:        "get_ohlcv_timeseries",
		Description: "Daily or hourly OHLCV bars for a security",
		CostRank:    2,
		NewArgs:     func() any { return &ohlcvArgs{} },
		Handler: func(ctx context.Context, args any) (any, map[string]any, error) {
			a := args.(*ohlcvArgs)
			from, err := parseDate("from_date", a.FromDate)
			if err != nil {
				return nil, nil, err
			}
			to, err := parseDate("to_date", a.ToDate)
			if err != nil {
				return nil, nil, err
			}
			interval := domain.Interval(a.Interval)
			if interval == "" {
				interval = domain.IntervalDaily
			}
			bars, err := provider.OHLCV(ctx, a.Ticker, a.Board, from, to, interval)
			if err != nil {
				return nil, nil, err
			}
			return map[string]any{"ticker": a.Ticker, "bars": bars},
				map[string]any{"bar_count": len(bars)}, nil
		},
	})

	registry.Register(&mcp.Tool{
		Name:        "get_index_constituents_metrics",
		Description: "Index constituents with weights",
		CostRank:    2,
		NewArgs:     func() any { return &constituentsArgs{} },
		Handler: func(ctx context.Context, args any) (any, map[string]any, error) {
			a := args.(*constituentsArgs)
			var asOf time.Time
			if a.AsOf != "" {
				var err error
				asOf, err = parseDate("as_of", a.AsOf)
				if err != nil {
					return nil, nil, err
				}
			}
			constituents, err := provider.Constituents(ctx, a.IndexTicker, asOf)
			if err != nil {
				return nil, nil, err
			}
			// Constituents arrive sorted by weight descending; the head of
			// the list doubles as the drill-down universe for follow-up
			// steps.
			topTickers := make([]string, 0, 10)
			for _, c := range constituents {
				if len(topTickers) == 10 {
					break
				}
				topTickers = append(topTickers, c.Ticker)
			}
			return map[string]any{
					"index":        a.IndexTicker,
					"constituents": constituents,
					"top_tickers":  topTickers,
				},
				map[string]any{"constituent_count": len(constituents)}, nil
		},
	})

	registry.Register(&mcp.Tool{
		Name:        "get_dividends",
		Description: "Dividend records for a security within a date range",
		CostRank:    1,
		NewArgs:     func() any { return &dividendsArgs{} },
		Handler: func(ctx context.Context, args any) (any, map[string]any, error) {
			a := args.(*dividendsArgs)
			from, err := parseDate("from_date", a.FromDate)
			if err != nil {
				return nil, nil, err
			}
			to, err := parseDate("to_date", a.ToDate)
			if err != nil {
				return nil, nil, err
			}
			records, err := provider.Dividends(ctx, a.Ticker, from, to)
			if err != nil {
				return nil, nil, err
			}
			return map[string]any{"ticker": a.Ticker, "dividends": records}, nil, nil
		},
	})

	log.Info().Msg("Market-data tools registered")
}

// ==========================================
// Risk tools (risk-mcp)
// ==========================================

type positionArg struct {
	Ticker          string  `json:"ticker" validate:"required"`
	Weight          float64 `json:"weight" validate:"min=0,max=1"`
	AssetClass      string  `json:"asset_class" validate:"required,oneof=equity fixed_income credit cash fx"`
	Issuer          string  `json:"issuer"`
	Currency        string  `json:"currency"`
	LiquidityBucket string  `json:"liquidity_bucket" validate:"omitempty,oneof=0-7d 8-30d 31-90d 90d+"`
}

func (p positionArg) toDomain() domain.Position {
	return domain.Position{
		Ticker:          p.Ticker,
		Weight:          p.Weight,
		AssetClass:      domain.AssetClass(p.AssetClass),
		Issuer:          p.Issuer,
		Currency:        p.Currency,
		LiquidityBucket: domain.LiquidityBucket(p.LiquidityBucket),
	}
}

func toDomainPositions(args []positionArg) []domain.Position {
	out := make([]domain.Position, len(args))
	for i, p := range args {
		out[i] = p.toDomain()
	}
	return out
}

type analyzeArgs struct {
	Positions           []positionArg    `json:"positions" validate:"required,min=1,dive"`
	FromDate            string           `json:"from_date" validate:"required"`
	ToDate              string           `json:"to_date" validate:"required"`
	BaseCurrency        string           `json:"base_currency"`
	Rebalance           string           `json:"rebalance" validate:"omitempty,oneof=buy_and_hold monthly"`
	Aggregates          Aggregates       `json:"aggregates"`
	StressScenarios     []StressScenario `json:"stress_scenarios" validate:"dive"`
	VarConfig           *VarConfig       `json:"var_config"`
	TotalPortfolioValue float64          `json:"total_portfolio_value" validate:"min=0"`
	CovenantLimits      *CovenantLimits  `json:"covenant_limits"`
	RiskPrefs           *RiskPrefs       `json:"risk_prefs"`
}

type rebalanceArgs struct {
	Positions           []rebalancePositionArg `json:"positions" validate:"required,min=1,dive"`
	TotalPortfolioValue float64                `json:"total_portfolio_value" validate:"min=0"`
	RiskProfile         RiskProfile            `json:"risk_profile"`
}

type rebalancePositionArg struct {
	Ticker        string  `json:"ticker" validate:"required"`
	CurrentWeight float64 `json:"current_weight" validate:"min=0,max=1"`
	AssetClass    string  `json:"asset_class" validate:"required,oneof=equity fixed_income credit cash fx"`
	Issuer        string  `json:"issuer"`
}

type correlationArgs struct {
	Tickers  []string `json:"tickers" validate:"required,min=2"`
	FromDate string   `json:"from_date" validate:"required"`
	ToDate   string   `json:"to_date" validate:"required"`
}

type liquidityArgs struct {
	Positions           []positionArg   `json:"positions" validate:"required,min=1,dive"`
	BaseCurrency        string          `json:"base_currency"`
	Aggregates          Aggregates      `json:"aggregates"`
	TotalPortfolioValue float64         `json:"total_portfolio_value" validate:"min=0"`
	CovenantLimits      *CovenantLimits `json:"covenant_limits"`
}

// RegisterRiskTools exposes the analytics as MCP tools.
func RegisterRiskTools(registry *mcp.Registry, provider moex.Provider, cfg config.RiskConfig, log zerolog.Logger) {
	analyzer := NewAnalyzer(provider, cfg.MaxPortfolioTickers, log)

	registry.Register(&mcp.Tool{
		Name:        "analyze_portfolio_risk",
		Description: "Portfolio return, volatility, drawdown, VaR, concentrations and stress scenarios",
		CostRank:    3,
		NewArgs:     func() any { return &analyzeArgs{} },
		Handler: func(ctx context.Context, args any) (any, map[string]any, error) {
			a := args.(*analyzeArgs)
			from, err := parseDate("from_date", a.FromDate)
			if err != nil {
				return nil, nil, err
			}
			to, err := parseDate("to_date", a.ToDate)
			if err != nil {
				return nil, nil, err
			}
			result, err := analyzer.Analyze(ctx, AnalyzeRequest{
				Positions:           toDomainPositions(a.Positions),
				FromDate:            from,
				ToDate:              to,
				BaseCurrency:        a.BaseCurrency,
				Rebalance:           RebalanceMode(a.Rebalance),
				Aggregates:          a.Aggregates,
				ExtraScenarios:      a.StressScenarios,
				VarConfig:           a.VarConfig,
				TotalPortfolioValue: a.TotalPortfolioValue,
				CovenantLimits:      a.CovenantLimits,
				RiskPrefs:           a.RiskPrefs,
			})
			if err != nil {
				return nil, nil, err
			}
			return result, map[string]any{
				"tickers":      len(a.Positions),
				"trading_days": result.Totals.TradingDays,
			}, nil
		},
	})

	registry.Register(&mcp.Tool{
		Name:        "suggest_rebalance",
		Description: "Deterministic constraint-driven rebalance suggestion",
		CostRank:    1,
		NewArgs:     func() any { return &rebalanceArgs{} },
		Handler: func(ctx context.Context, args any) (any, map[string]any, error) {
			a := args.(*rebalanceArgs)
			positions := make([]RebalancePosition, len(a.Positions))
			for i, p := range a.Positions {
				positions[i] = RebalancePosition{
					Ticker:        p.Ticker,
					CurrentWeight: p.CurrentWeight,
					AssetClass:    domain.AssetClass(p.AssetClass),
					Issuer:        p.Issuer,
				}
			}
			result, err := SuggestRebalance(positions, a.RiskProfile, a.TotalPortfolioValue)
			if err != nil {
				return nil, nil, err
			}
			return result, map[string]any{"trades": len(result.Trades)}, nil
		},
	})

	registry.Register(&mcp.Tool{
		Name:        "compute_correlation_matrix",
		Description: "Pearson correlation matrix of aligned daily returns",
		CostRank:    3,
		NewArgs:     func() any { return &correlationArgs{} },
		Handler: func(ctx context.Context, args any) (any, map[string]any, error) {
			a := args.(*correlationArgs)
			if cfg.MaxCorrelationTickers > 0 && len(a.Tickers) > cfg.MaxCorrelationTickers {
				return nil, nil, domain.NewError(domain.CategoryTooManyTickers,
					fmt.Sprintf("correlation accepts at most %d tickers, got %d", cfg.MaxCorrelationTickers, len(a.Tickers)), nil)
			}
			from, err := parseDate("from_date", a.FromDate)
			if err != nil {
				return nil, nil, err
			}
			to, err := parseDate("to_date", a.ToDate)
			if err != nil {
				return nil, nil, err
			}

			series := make(map[string][]domain.OHLCVBar, len(a.Tickers))
			for _, ticker := range a.Tickers {
				bars, err := provider.OHLCV(ctx, ticker, domain.DefaultBoard, from, to, domain.IntervalDaily)
				if err != nil {
					return nil, nil, err
				}
				series[ticker] = bars
			}
			aligned := Align(series)
			perTicker := make(map[string][]float64, len(a.Tickers))
			for ticker, closes := range aligned.Closes {
				perTicker[ticker] = DailyReturns(closes)
			}
			matrix, err := ComputeCorrelationMatrix(perTicker)
			if err != nil {
				return nil, nil, err
			}
			return map[string]any{
				"matrix":       matrix,
				"high_pairs":   matrix.HighlyCorrelatedPairs(0.80),
				"trading_days": len(aligned.Dates),
			}, nil, nil
		},
	})

	registry.Register(&mcp.Tool{
		Name:        "build_cfo_liquidity_report",
		Description: "Liquidity buckets, coverage ratios, stress view and recommendations",
		CostRank:    2,
		NewArgs:     func() any { return &liquidityArgs{} },
		Handler: func(ctx context.Context, args any) (any, map[string]any, error) {
			a := args.(*liquidityArgs)
			positions := toDomainPositions(a.Positions)
			if err := domain.ValidatePortfolio(positions); err != nil {
				return nil, nil, err
			}
			report := BuildLiquidityReport(positions, a.BaseCurrency, a.Aggregates, a.TotalPortfolioValue, a.CovenantLimits)
			return report, nil, nil
		},
	})

	log.Info().Msg("Risk tools registered")
}
