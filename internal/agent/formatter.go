package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/trustmycode/moex-agent/internal/llm"
	"github.com/trustmycode/moex-agent/internal/risk"
)

// Table is a deterministic tabular projection of tool results.
type Table struct {
	ID      string            `json:"id"`
	Title   string            `json:"title,omitempty"`
	Columns []DashboardColumn `json:"columns"`
	Rows    []map[string]any  `json:"rows"`
}

// DebugInfo is attached when debug mode is on or the run failed.
type DebugInfo struct {
	Plan            *Plan                `json:"plan,omitempty"`
	Executed        []ExecutedStep       `json:"executed,omitempty"`
	ExecutionResult *PlanExecutionResult `json:"execution_result,omitempty"`
	Errors          []string             `json:"errors,omitempty"`
	ElapsedMS       int64                `json:"elapsed_ms"`
}

// Output is the composed answer of one request.
type Output struct {
	Text         string             `json:"text"`
	Tables       []Table            `json:"tables,omitempty"`
	Dashboard    *RiskDashboardSpec `json:"dashboard,omitempty"`
	Debug        *DebugInfo         `json:"debug,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// Formatter assembles the final answer from accumulated tool results. The
// narrative comes from the LLM constrained to cite only numbers present in
// the labelled tool-result JSON; tables and the dashboard are deterministic
// projections of the same numbers. Without an LLM (or when it fails) a
// deterministic template produces the text instead.
type Formatter struct {
	llm *llm.Client
	log zerolog.Logger
}

// NewFormatter creates a formatter. llmClient may be nil.
func NewFormatter(llmClient *llm.Client, log zerolog.Logger) *Formatter {
	return &Formatter{
		llm: llmClient,
		log: log.With().Str("component", "formatter").Logger(),
	}
}

// Format builds the output for a completed (possibly failed) run.
func (f *Formatter) Format(ctx context.Context, session *SessionContext, result *PlanExecutionResult) *Output {
	output := &Output{}
	plan := session.Plan()

	analysis := decodeToolResult[risk.AnalyzeResult](session, plan, "analyze_portfolio_risk")
	rebalance := decodeToolResult[risk.RebalanceResult](session, plan, "suggest_rebalance")
	liquidity := decodeToolResult[risk.LiquidityReport](session, plan, "build_cfo_liquidity_report")
	snapshot := rawToolResult(session, plan, "get_security_snapshot")

	output.Tables = buildTables(analysis, rebalance, liquidity)
	if analysis != nil || liquidity != nil {
		output.Dashboard = buildDashboard(session, analysis, liquidity)
	}

	if result != nil && result.HasFatalError {
		if category, ok := result.FirstError(); ok {
			output.ErrorMessage = fmt.Sprintf("analysis could not be completed (%s)", category)
		} else {
			output.ErrorMessage = "analysis could not be completed"
		}
	}

	output.Text = f.narrative(ctx, session, analysis, rebalance, liquidity, snapshot, output.ErrorMessage)

	if session.Debug || output.ErrorMessage != "" {
		output.Debug = &DebugInfo{
			Plan:            plan,
			Executed:        session.Executed(),
			ExecutionResult: result,
			Errors:          session.ErrorLog(),
			ElapsedMS:       session.Elapsed().Milliseconds(),
		}
	}
	return output
}

// narrative produces output.text, via the LLM when available.
func (f *Formatter) narrative(ctx context.Context, session *SessionContext, analysis *risk.AnalyzeResult, rebalance *risk.RebalanceResult, liquidity *risk.LiquidityReport, snapshot json.RawMessage, errorMessage string) string {
	fallback := deterministicText(session, analysis, rebalance, liquidity, errorMessage)
	if f.llm == nil || errorMessage != "" {
		return fallback
	}

	labelled := map[string]any{}
	if analysis != nil {
		labelled["portfolio_analysis"] = analysis
	}
	if rebalance != nil {
		labelled["rebalance_suggestion"] = rebalance
	}
	if liquidity != nil {
		labelled["liquidity_report"] = liquidity
	}
	if snapshot != nil {
		labelled["security_snapshot"] = snapshot
	}
	if len(labelled) == 0 {
		return fallback
	}

	payload, err := json.Marshal(labelled)
	if err != nil {
		return fallback
	}

	system := "You are a financial analyst assistant for the Moscow Exchange. Write a concise " +
		"report for the user's question using ONLY the numbers present in the tool results JSON. " +
		"Never invent figures. Answer in the user's language."
	if session.Locale != "" {
		system += " The user's locale is " + session.Locale + "."
	}
	user := fmt.Sprintf("Question: %s\n\nTool results:\n%s", session.LatestUserMessage(), payload)

	text, err := f.llm.Chat(ctx, system, user)
	if err != nil {
		f.log.Warn().Err(err).Msg("LLM narrative failed, using deterministic text")
		return fallback
	}
	return text
}

// deterministicText is the LLM-free narrative: a plain summary of whatever
// results exist.
func deterministicText(session *SessionContext, analysis *risk.AnalyzeResult, rebalance *risk.RebalanceResult, liquidity *risk.LiquidityReport, errorMessage string) string {
	var b strings.Builder
	if errorMessage != "" {
		fmt.Fprintf(&b, "The request could not be fully processed: %s.", errorMessage)
		return b.String()
	}

	if analysis != nil {
		fmt.Fprintf(&b, "Portfolio over %d trading days: total return %.2f%%, annualised volatility %.2f%%, max drawdown %.2f%%.",
			analysis.Totals.TradingDays,
			analysis.Totals.Return*100,
			analysis.Totals.Volatility*100,
			analysis.Totals.MaxDrawdown*100)
		fmt.Fprintf(&b, " 1-day VaR (95%%) is %.2f%% with expected shortfall %.2f%%.",
			analysis.Totals.VarLight*100, analysis.Totals.ExpectedShortfall*100)
		fmt.Fprintf(&b, " The largest position holds %.1f%% of the portfolio (HHI %.3f).",
			analysis.Concentrations.Top1Pct, analysis.Concentrations.HHI)
		for _, flag := range analysis.Flags {
			fmt.Fprintf(&b, " Flag: %s.", flag.Message)
		}
	}
	if rebalance != nil {
		fmt.Fprintf(&b, " Suggested rebalance: %d trades with total turnover %.2f%%.",
			len(rebalance.Trades), rebalance.Summary.TotalTurnover*100)
		for _, warning := range rebalance.Summary.Warnings {
			fmt.Fprintf(&b, " Warning: %s.", warning)
		}
	}
	if liquidity != nil {
		fmt.Fprintf(&b, " Liquidity: %.1f%% realisable within 7 days, %.1f%% within 30 days.",
			liquidity.QuickRatioPct, liquidity.ShortTermRatioPct)
	}
	if others := session.OthersShare(); others > 0 {
		fmt.Fprintf(&b, " Note: %.1f%% of the original portfolio was folded into an \"others\" bucket to respect the analysis limits.", others*100)
	}
	if b.Len() == 0 {
		b.WriteString("The requested data was retrieved; see the attached tables.")
	}
	return strings.TrimSpace(b.String())
}

// buildTables produces the deterministic table projections.
func buildTables(analysis *risk.AnalyzeResult, rebalance *risk.RebalanceResult, liquidity *risk.LiquidityReport) []Table {
	var tables []Table

	if analysis != nil {
		rows := make([]map[string]any, 0, len(analysis.PerInstrument))
		for _, inst := range analysis.PerInstrument {
			rows = append(rows, map[string]any{
				"ticker":       inst.Ticker,
				"weight":       inst.Weight,
				"total_return": inst.TotalReturn,
				"volatility":   inst.Volatility,
				"max_drawdown": inst.MaxDrawdown,
			})
		}
		tables = append(tables, Table{
			ID:    "positions",
			Title: "Positions",
			Columns: []DashboardColumn{
				{ID: "ticker", Label: "Ticker", Align: "left"},
				{ID: "weight", Label: "Weight", Align: "right"},
				{ID: "total_return", Label: "Return", Align: "right"},
				{ID: "volatility", Label: "Volatility", Align: "right"},
				{ID: "max_drawdown", Label: "Max DD", Align: "right"},
			},
			Rows: rows,
		})

		stressRows := make([]map[string]any, 0, len(analysis.StressScenarios))
		for _, sc := range analysis.StressScenarios {
			stressRows = append(stressRows, map[string]any{
				"scenario":  sc.Scenario,
				"pnl_pct":   sc.PnLPct,
				"pnl_value": sc.PnLValue,
			})
		}
		tables = append(tables, Table{
			ID:    "stress_scenarios",
			Title: "Stress scenarios",
			Columns: []DashboardColumn{
				{ID: "scenario", Label: "Scenario", Align: "left"},
				{ID: "pnl_pct", Label: "P&L %", Align: "right"},
				{ID: "pnl_value", Label: "P&L", Align: "right"},
			},
			Rows: stressRows,
		})
	}

	if rebalance != nil {
		rows := make([]map[string]any, 0, len(rebalance.Trades))
		for _, trade := range rebalance.Trades {
			rows = append(rows, map[string]any{
				"ticker":          trade.Ticker,
				"side":            trade.Side,
				"weight_delta":    trade.WeightDelta,
				"estimated_value": trade.EstimatedValue,
			})
		}
		tables = append(tables, Table{
			ID:    "rebalance_trades",
			Title: "Suggested trades",
			Columns: []DashboardColumn{
				{ID: "ticker", Label: "Ticker", Align: "left"},
				{ID: "side", Label: "Side", Align: "left"},
				{ID: "weight_delta", Label: "Delta", Align: "right"},
				{ID: "estimated_value", Label: "Value", Align: "right"},
			},
			Rows: rows,
		})
	}

	if liquidity != nil {
		buckets := make([]string, 0, len(liquidity.Buckets))
		for bucket := range liquidity.Buckets {
			buckets = append(buckets, bucket)
		}
		sort.Strings(buckets)
		rows := make([]map[string]any, 0, len(buckets))
		for _, bucket := range buckets {
			rows = append(rows, map[string]any{"bucket": bucket, "weight": liquidity.Buckets[bucket]})
		}
		tables = append(tables, Table{
			ID:    "liquidity_buckets",
			Title: "Liquidity buckets",
			Columns: []DashboardColumn{
				{ID: "bucket", Label: "Bucket", Align: "left"},
				{ID: "weight", Label: "Weight", Align: "right"},
			},
			Rows: rows,
		})
	}

	return tables
}

// buildDashboard assembles and returns the dashboard spec for the run.
func buildDashboard(session *SessionContext, analysis *risk.AnalyzeResult, liquidity *risk.LiquidityReport) *RiskDashboardSpec {
	plan := session.Plan()
	scenario := ""
	if plan != nil {
		scenario = string(plan.ScenarioType)
	}

	spec := &RiskDashboardSpec{
		Metadata: DashboardMetadata{
			AsOf:         time.Now().UTC(),
			ScenarioType: scenario,
			BaseCurrency: "RUB",
			PortfolioID:  session.ID,
		},
		Data: map[string]any{},
	}

	if analysis != nil {
		severity := func(flagged bool) string {
			if flagged {
				return "warning"
			}
			return "ok"
		}
		flaggedVar := false
		flaggedConc := false
		for _, flag := range analysis.Flags {
			switch flag.ID {
			case "var_light":
				flaggedVar = true
			case "concentration_top1", "concentration_hhi":
				flaggedConc = true
			}
		}

		spec.Metrics = []DashboardMetric{
			{ID: "total_return", Label: "Total return", Value: analysis.Totals.Return * 100, Unit: "%"},
			{ID: "volatility", Label: "Volatility (ann.)", Value: analysis.Totals.Volatility * 100, Unit: "%"},
			{ID: "max_drawdown", Label: "Max drawdown", Value: analysis.Totals.MaxDrawdown * 100, Unit: "%"},
			{ID: "var_light", Label: "VaR 95% 1d", Value: analysis.Totals.VarLight * 100, Unit: "%", Severity: severity(flaggedVar)},
			{ID: "hhi", Label: "HHI", Value: analysis.Concentrations.HHI, Severity: severity(flaggedConc)},
		}

		positionRows := make([]map[string]any, 0, len(analysis.PerInstrument))
		for _, inst := range analysis.PerInstrument {
			positionRows = append(positionRows, map[string]any{
				"ticker": inst.Ticker,
				"weight": inst.Weight,
			})
		}
		spec.Data["positions"] = positionRows

		stressRows := make([]map[string]any, 0, len(analysis.StressScenarios))
		for _, sc := range analysis.StressScenarios {
			stressRows = append(stressRows, map[string]any{
				"scenario": sc.Scenario,
				"pnl_pct":  sc.PnLPct,
			})
		}
		spec.Data["stress_scenarios"] = stressRows

		spec.Charts = []DashboardChart{
			{
				ID:   "weights_pie",
				Type: "pie",
				Series: []DashboardSeries{
					{Label: "Weights", DataRef: "data.positions", XField: "ticker", YField: "weight"},
				},
			},
			{
				ID:    "stress_bar",
				Type:  "bar",
				XAxis: "scenario",
				YAxis: "pnl_pct",
				Series: []DashboardSeries{
					{Label: "Scenario P&L", DataRef: "data.stress_scenarios", XField: "scenario", YField: "pnl_pct"},
				},
			},
		}
		spec.Tables = []DashboardTable{
			{
				ID:      "positions",
				Title:   "Positions",
				DataRef: "data.positions",
				Columns: []DashboardColumn{
					{ID: "ticker", Label: "Ticker", Align: "left"},
					{ID: "weight", Label: "Weight", Align: "right"},
				},
			},
		}

		for _, flag := range analysis.Flags {
			spec.Alerts = append(spec.Alerts, DashboardAlert{
				Severity:   flag.Severity,
				Message:    flag.Message,
				RelatedIDs: []string{flag.ID},
			})
		}
	}

	if liquidity != nil {
		buckets := make([]string, 0, len(liquidity.Buckets))
		for bucket := range liquidity.Buckets {
			buckets = append(buckets, bucket)
		}
		sort.Strings(buckets)
		bucketRows := make([]map[string]any, 0, len(buckets))
		for _, bucket := range buckets {
			bucketRows = append(bucketRows, map[string]any{"bucket": bucket, "weight": liquidity.Buckets[bucket]})
		}
		spec.Data["liquidity_buckets"] = bucketRows
		spec.Charts = append(spec.Charts, DashboardChart{
			ID:    "liquidity_bar",
			Type:  "bar",
			XAxis: "bucket",
			Series: []DashboardSeries{
				{Label: "Liquidity", DataRef: "data.liquidity_buckets", XField: "bucket", YField: "weight"},
			},
		})
	}

	return spec
}

// decodeToolResult locates the first ok result of a tool in the plan and
// decodes it into T. Returns nil when absent or undecodable.
func decodeToolResult[T any](session *SessionContext, plan *Plan, tool string) *T {
	raw := rawToolResult(session, plan, tool)
	if raw == nil {
		return nil
	}
	var decoded T
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	return &decoded
}

// rawToolResult returns the raw payload of the first completed step that
// called the given tool.
func rawToolResult(session *SessionContext, plan *Plan, tool string) json.RawMessage {
	if plan == nil {
		return nil
	}
	for _, step := range plan.Steps {
		if step.Type != StepMCPCall || step.Tool != tool {
			continue
		}
		if raw, ok := session.ToolResult(step.ID); ok {
			return raw
		}
	}
	return nil
}
