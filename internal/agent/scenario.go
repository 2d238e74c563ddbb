package agent

import "strings"

// ScenarioType names a supported analysis scenario.
type ScenarioType string

const (
	ScenarioSingleSecurity    ScenarioType = "single_security_overview"
	ScenarioCompareSecurities ScenarioType = "compare_securities"
	ScenarioIndexRiskScan     ScenarioType = "index_risk_scan"
	ScenarioPortfolioRisk     ScenarioType = "portfolio_risk"
	ScenarioPortfolioDrill    ScenarioType = "portfolio_risk_drill_down"
	ScenarioCFOLiquidity      ScenarioType = "cfo_liquidity_report"
	ScenarioIssuerPeers       ScenarioType = "issuer_peers_compare"
)

// TemplateStep is one skeleton step of a scenario template. Args values
// starting with '@' are placeholders the planner fills from the parsed
// request ("@ticker", "@tickers", "@portfolio", "@from_date", "@to_date");
// values starting with "$steps." are resolved against earlier step outputs at
// execution time.
type TemplateStep struct {
	Type  StepType
	Tool  string
	Args  map[string]string
	Fatal bool
	// DependsOnPrev marks a dependency on the immediately preceding step.
	DependsOnPrev bool
}

// ScenarioTemplate is a named, ordered plan skeleton.
type ScenarioTemplate struct {
	ID    string
	Type  ScenarioType
	Steps []TemplateStep
}

// Catalogue returns the declarative scenario templates keyed by type.
func Catalogue() map[ScenarioType]ScenarioTemplate {
	return map[ScenarioType]ScenarioTemplate{
		ScenarioSingleSecurity: {
			ID:   "single_security_overview.v1",
			Type: ScenarioSingleSecurity,
			Steps: []TemplateStep{
				{Type: StepMCPCall, Tool: "get_security_snapshot", Args: map[string]string{"ticker": "@ticker"}, Fatal: true},
				{Type: StepMCPCall, Tool: "get_ohlcv_timeseries", Args: map[string]string{"ticker": "@ticker", "from_date": "@from_date", "to_date": "@to_date"}},
				{Type: StepMCPCall, Tool: "get_dividends", Args: map[string]string{"ticker": "@ticker", "from_date": "@from_date", "to_date": "@to_date"}},
				{Type: StepExplanation, DependsOnPrev: true},
			},
		},
		ScenarioCompareSecurities: {
			ID:   "compare_securities.v1",
			Type: ScenarioCompareSecurities,
			Steps: []TemplateStep{
				{Type: StepMCPCall, Tool: "get_security_snapshot", Args: map[string]string{"ticker": "@ticker"}, Fatal: true},
				{Type: StepMCPCall, Tool: "get_security_snapshot", Args: map[string]string{"ticker": "@ticker2"}, Fatal: true},
				{Type: StepMCPCall, Tool: "compute_correlation_matrix", Args: map[string]string{"tickers": "@tickers", "from_date": "@from_date", "to_date": "@to_date"}},
				{Type: StepExplanation, DependsOnPrev: true},
			},
		},
		ScenarioIndexRiskScan: {
			ID:   "index_risk_scan.v1",
			Type: ScenarioIndexRiskScan,
			Steps: []TemplateStep{
				{Type: StepMCPCall, Tool: "get_index_constituents_metrics", Args: map[string]string{"index_ticker": "@index"}, Fatal: true},
				{Type: StepMCPCall, Tool: "compute_correlation_matrix", Args: map[string]string{"tickers": "$steps.0.top_tickers", "from_date": "@from_date", "to_date": "@to_date"}, DependsOnPrev: true},
				{Type: StepExplanation, DependsOnPrev: true},
			},
		},
		ScenarioPortfolioRisk: {
			ID:   "portfolio_risk.v1",
			Type: ScenarioPortfolioRisk,
			Steps: []TemplateStep{
				{Type: StepMCPCall, Tool: "analyze_portfolio_risk", Args: map[string]string{"positions": "@portfolio", "from_date": "@from_date", "to_date": "@to_date"}, Fatal: true},
				{Type: StepExplanation, DependsOnPrev: true},
			},
		},
		ScenarioPortfolioDrill: {
			ID:   "portfolio_risk_drill_down.v1",
			Type: ScenarioPortfolioDrill,
			Steps: []TemplateStep{
				{Type: StepMCPCall, Tool: "analyze_portfolio_risk", Args: map[string]string{"positions": "@portfolio", "from_date": "@from_date", "to_date": "@to_date"}, Fatal: true},
				{Type: StepMCPCall, Tool: "compute_correlation_matrix", Args: map[string]string{"tickers": "@tickers", "from_date": "@from_date", "to_date": "@to_date"}},
				{Type: StepMCPCall, Tool: "suggest_rebalance", Args: map[string]string{"positions": "@rebalance_portfolio"}},
				{Type: StepExplanation, DependsOnPrev: true},
			},
		},
		ScenarioCFOLiquidity: {
			ID:   "cfo_liquidity_report.v1",
			Type: ScenarioCFOLiquidity,
			Steps: []TemplateStep{
				{Type: StepMCPCall, Tool: "build_cfo_liquidity_report", Args: map[string]string{"positions": "@portfolio"}, Fatal: true},
				{Type: StepExplanation, DependsOnPrev: true},
			},
		},
		ScenarioIssuerPeers: {
			ID:   "issuer_peers_compare.v1",
			Type: ScenarioIssuerPeers,
			Steps: []TemplateStep{
				{Type: StepMCPCall, Tool: "get_security_snapshot", Args: map[string]string{"ticker": "@ticker"}, Fatal: true},
				{Type: StepRAGSearch, Args: map[string]string{"query": "@peers_query"}},
				{Type: StepMCPCall, Tool: "compute_correlation_matrix", Args: map[string]string{"tickers": "@tickers", "from_date": "@from_date", "to_date": "@to_date"}},
				{Type: StepExplanation, DependsOnPrev: true},
			},
		},
	}
}

// keywordRules maps scenario types to their trigger keywords. MOEX users
// write both Russian and English, so both are matched.
var keywordRules = []struct {
	scenario ScenarioType
	keywords []string
}{
	{ScenarioCFOLiquidity, []string{"ликвидн", "liquidity", "cfo", "ковенант", "covenant"}},
	{ScenarioIssuerPeers, []string{"аналог", "peers", "конкурент", "competitor", "сопостав"}},
	{ScenarioIndexRiskScan, []string{"индекс", "index", "imoex", "rtsi", "moexbc"}},
	{ScenarioCompareSecurities, []string{"сравн", "compare", " vs ", "против", "versus"}},
	{ScenarioPortfolioDrill, []string{"подробн", "drill", "деталь", "ребаланс", "rebalance", "перебалансир", "detailed"}},
	{ScenarioPortfolioRisk, []string{"портфел", "portfolio", "риск", "risk", "var", "просадк", "drawdown", "волатильн", "volatil"}},
}

// ClassifyScenario applies the deterministic keyword and entity rules.
// The boolean reports confidence; an unconfident result lets the advanced
// planner consult the LLM instead.
func ClassifyScenario(query string, parsed *ParsedRequest) (ScenarioType, bool) {
	lower := strings.ToLower(query)

	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				// Portfolio scenarios need a portfolio; fall through otherwise.
				if (rule.scenario == ScenarioPortfolioRisk || rule.scenario == ScenarioPortfolioDrill ||
					rule.scenario == ScenarioCFOLiquidity) && len(parsed.Portfolio) == 0 && len(parsed.Tickers) < 2 {
					continue
				}
				if rule.scenario == ScenarioCompareSecurities && len(parsed.Tickers) < 2 {
					continue
				}
				return rule.scenario, true
			}
		}
	}

	// Entity-only fallbacks.
	switch {
	case len(parsed.Portfolio) > 0:
		return ScenarioPortfolioRisk, true
	case len(parsed.Tickers) >= 2:
		return ScenarioCompareSecurities, true
	case len(parsed.Tickers) == 1:
		return ScenarioSingleSecurity, true
	}
	return ScenarioSingleSecurity, false
}
