package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/trustmycode/moex-agent/internal/config"
	"github.com/trustmycode/moex-agent/internal/domain"
	"github.com/trustmycode/moex-agent/internal/llm"
)

// Replan attempt ceilings per strategy.
const (
	MaxReplanAttemptsBasic    = 1
	MaxReplanAttemptsAdvanced = 2
)

// Strategy is the planner capability set. Implementations build an initial
// plan from the user request and produce a replacement plan after a failed
// execution.
type Strategy interface {
	BuildPlan(ctx context.Context, session *SessionContext) (*Plan, error)
	Replan(ctx context.Context, session *SessionContext, result *PlanExecutionResult) (*Plan, error)
	MaxReplanAttempts() int
}

// NewStrategy wires the strategy selected by configuration.
func NewStrategy(cfg config.AgentConfig, llmClient *llm.Client, validator *Validator, log zerolog.Logger) Strategy {
	basic := NewBasicStrategy(cfg, validator, log)
	switch cfg.PlannerMode {
	case config.PlannerAdvanced:
		return NewAdvancedStrategy(basic, llmClient, validator, log)
	case config.PlannerExternal:
		return NewExternalStrategy(basic, cfg.ExternalPlannerURL, validator, log)
	default:
		return basic
	}
}

// ==========================================
// Basic strategy
// ==========================================

// BasicStrategy builds plans from the scenario catalogue with deterministic
// keyword classification and re-plans with per-category heuristics.
type BasicStrategy struct {
	cfg       config.AgentConfig
	validator *Validator
	catalogue map[ScenarioType]ScenarioTemplate
	now       func() time.Time
	log       zerolog.Logger
}

// NewBasicStrategy creates the heuristic planner.
func NewBasicStrategy(cfg config.AgentConfig, validator *Validator, log zerolog.Logger) *BasicStrategy {
	return &BasicStrategy{
		cfg:       cfg,
		validator: validator,
		catalogue: Catalogue(),
		now:       time.Now,
		log:       log.With().Str("component", "planner-basic").Logger(),
	}
}

// MaxReplanAttempts implements Strategy.
func (b *BasicStrategy) MaxReplanAttempts() int { return MaxReplanAttemptsBasic }

// BuildPlan implements Strategy.
func (b *BasicStrategy) BuildPlan(ctx context.Context, session *SessionContext) (*Plan, error) {
	query := session.LatestUserMessage()
	if strings.TrimSpace(query) == "" {
		return nil, domain.NewValidationError("messages", "request contains no user message")
	}

	parsed := ParseRequest(query, b.now())
	scenario, _ := ClassifyScenario(query, parsed)
	return b.instantiate(session, scenario, parsed)
}

// instantiate turns a scenario template plus parsed entities into a concrete
// plan, inserting a synthetic limit_portfolio step when the portfolio exceeds
// the ticker cap.
func (b *BasicStrategy) instantiate(session *SessionContext, scenario ScenarioType, parsed *ParsedRequest) (*Plan, error) {
	template, ok := b.catalogue[scenario]
	if !ok {
		return nil, domain.NewValidationError("scenario", fmt.Sprintf("no template for scenario %q", scenario))
	}

	// A portfolio scenario matched on bare tickers gets an equal-weight
	// portfolio.
	if len(parsed.Portfolio) == 0 && len(parsed.Tickers) > 0 {
		switch scenario {
		case ScenarioPortfolioRisk, ScenarioPortfolioDrill, ScenarioCFOLiquidity:
			weight := 1.0 / float64(len(parsed.Tickers))
			for _, ticker := range parsed.Tickers {
				parsed.Portfolio = append(parsed.Portfolio, domain.Position{
					Ticker:     ticker,
					Weight:     weight,
					AssetClass: domain.AssetClassEquity,
				})
			}
		}
	}

	session.SetPortfolio(parsed.Portfolio)
	needsLimit := len(parsed.Portfolio) > b.cfg.MaxTickersPerRequest

	plan := &Plan{ScenarioType: scenario, TemplateID: template.ID}
	nextID := 0
	templateToID := make(map[int]int, len(template.Steps))

	if needsLimit {
		plan.Steps = append(plan.Steps, PlannedStep{
			ID:        nextID,
			Type:      StepLimitPortfolio,
			Arguments: map[string]any{"top_n": b.cfg.MaxTickersPerRequest},
		})
		nextID++
	}

	prevID := -1
	for templateIdx, ts := range template.Steps {
		step := PlannedStep{
			ID:    nextID,
			Type:  ts.Type,
			Tool:  ts.Tool,
			Fatal: ts.Fatal,
		}
		args, err := b.fillArgs(ts.Args, parsed, needsLimit, templateToID)
		if err != nil {
			return nil, err
		}
		step.Arguments = args

		if ts.DependsOnPrev && prevID >= 0 {
			step.DependsOn = []int{prevID}
		}
		// A truncated portfolio makes every portfolio-consuming step depend
		// on the limit step.
		if needsLimit && args != nil {
			if _, usesPortfolio := args["positions"]; usesPortfolio {
				step.DependsOn = appendUnique(step.DependsOn, 0)
			}
		}

		templateToID[templateIdx] = step.ID
		plan.Steps = append(plan.Steps, step)
		prevID = step.ID
		nextID++
	}

	if err := b.validator.Validate(plan, nil); err != nil {
		return nil, err
	}
	return plan, nil
}

// fillArgs resolves '@' placeholders from parsed entities. "$steps.N.x"
// references are rewritten from template indices to assigned step ids and
// left for the orchestrator to resolve at execution time.
func (b *BasicStrategy) fillArgs(templateArgs map[string]string, parsed *ParsedRequest, limited bool, templateToID map[int]int) (map[string]any, error) {
	if templateArgs == nil {
		return nil, nil
	}
	args := make(map[string]any, len(templateArgs))
	for key, value := range templateArgs {
		switch value {
		case "@ticker":
			if len(parsed.Tickers) == 0 {
				return nil, domain.NewValidationError("query", "could not find a ticker in the request")
			}
			args[key] = parsed.Tickers[0]
		case "@ticker2":
			if len(parsed.Tickers) < 2 {
				return nil, domain.NewValidationError("query", "comparison needs at least two tickers")
			}
			args[key] = parsed.Tickers[1]
		case "@tickers":
			if len(parsed.Tickers) == 0 {
				return nil, domain.NewValidationError("query", "could not find tickers in the request")
			}
			args[key] = parsed.Tickers
		case "@portfolio":
			if len(parsed.Portfolio) == 0 {
				return nil, domain.NewValidationError("query", "could not parse a portfolio from the request")
			}
			if limited {
				args[key] = "$portfolio" // resolved after limit_portfolio runs
			} else {
				args[key] = positionsToArgs(parsed.Portfolio)
			}
		case "@rebalance_portfolio":
			if len(parsed.Portfolio) == 0 {
				return nil, domain.NewValidationError("query", "could not parse a portfolio from the request")
			}
			if limited {
				args[key] = "$rebalance_portfolio"
			} else {
				args[key] = positionsToRebalanceArgs(parsed.Portfolio)
			}
		case "@from_date":
			args[key] = parsed.FromDate.Format("2006-01-02")
		case "@to_date":
			args[key] = parsed.ToDate.Format("2006-01-02")
		case "@index":
			index := parsed.Index
			if index == "" {
				index = "IMOEX"
			}
			args[key] = index
		case "@peers_query":
			ticker := ""
			if len(parsed.Tickers) > 0 {
				ticker = parsed.Tickers[0]
			}
			args[key] = fmt.Sprintf("sector peers of %s on MOEX", ticker)
		default:
			if strings.HasPrefix(value, "$steps.") {
				args[key] = rewriteStepRef(value, templateToID)
			} else {
				args[key] = value
			}
		}
	}
	return args, nil
}

// Replan implements Strategy with heuristic rewrites keyed by the error
// category of the failed execution.
func (b *BasicStrategy) Replan(ctx context.Context, session *SessionContext, result *PlanExecutionResult) (*Plan, error) {
	category, failed := result.FirstError()
	if !failed {
		return nil, domain.NewError(domain.CategoryUnknown, "replan requested without a failed step", nil)
	}
	plan := session.Plan()
	if plan == nil {
		return nil, domain.NewError(domain.CategoryUnknown, "replan requested without an active plan", nil)
	}

	var next *Plan
	switch category {
	case domain.CategoryDateRangeTooLarge:
		next = clonePlan(plan)
		halveDateWindows(next)
	case domain.CategoryTooManyTickers:
		next = clonePlan(plan)
		if !shrinkPortfolios(next, session) {
			return nil, domain.NewError(domain.CategoryTooManyTickers, "portfolio cannot be shrunk further", nil)
		}
	case domain.CategoryRateLimit:
		next = clonePlan(plan)
		next.MaxParallel = 1
		next.Steps = append([]PlannedStep{{
			ID:        -1, // placeholder until renumbering
			Type:      StepExplanation,
			Arguments: map[string]any{"wait_ms": 2000},
		}}, next.Steps...)
		renumber(next)
	case domain.CategoryISSTimeout:
		// Serialise the retries so each upstream call gets the full deadline
		// to itself, with a short settling pause up front.
		next = clonePlan(plan)
		next.MaxParallel = 1
		next.Steps = append([]PlannedStep{{
			ID:        -1, // placeholder until renumbering
			Type:      StepExplanation,
			Arguments: map[string]any{"wait_ms": 500},
		}}, next.Steps...)
		renumber(next)
	default:
		return nil, domain.NewError(category, fmt.Sprintf("no heuristic rewrite for category %s", category), nil)
	}

	b.log.Info().
		Str("category", string(category)).
		Str("scenario", string(plan.ScenarioType)).
		Msg("Built replacement plan")
	return next, nil
}

// ==========================================
// Advanced strategy (LLM-assisted)
// ==========================================

// AdvancedStrategy consults the LLM for ambiguous classification and for
// re-planning, treating every response as untrusted until the validator
// passes it. Any failure falls back to the basic heuristics.
type AdvancedStrategy struct {
	basic     *BasicStrategy
	llm       *llm.Client
	validator *Validator
	log       zerolog.Logger
}

// NewAdvancedStrategy creates the LLM-assisted planner.
func NewAdvancedStrategy(basic *BasicStrategy, llmClient *llm.Client, validator *Validator, log zerolog.Logger) *AdvancedStrategy {
	return &AdvancedStrategy{
		basic:     basic,
		llm:       llmClient,
		validator: validator,
		log:       log.With().Str("component", "planner-advanced").Logger(),
	}
}

// MaxReplanAttempts implements Strategy.
func (a *AdvancedStrategy) MaxReplanAttempts() int { return MaxReplanAttemptsAdvanced }

// BuildPlan implements Strategy. Deterministic rules run first; the LLM only
// breaks ties.
func (a *AdvancedStrategy) BuildPlan(ctx context.Context, session *SessionContext) (*Plan, error) {
	query := session.LatestUserMessage()
	parsed := ParseRequest(query, a.basic.now())
	scenario, confident := ClassifyScenario(query, parsed)

	if !confident && a.llm != nil {
		if llmScenario, err := a.classifyWithLLM(ctx, query); err == nil {
			scenario = llmScenario
		} else {
			a.log.Warn().Err(err).Msg("LLM classification failed, using heuristic result")
		}
	}
	return a.basic.instantiate(session, scenario, parsed)
}

func (a *AdvancedStrategy) classifyWithLLM(ctx context.Context, query string) (ScenarioType, error) {
	system := "You classify financial analysis requests for the Moscow Exchange. " +
		"Answer with a JSON object {\"scenario_type\": \"...\"} using exactly one of: " +
		"single_security_overview, compare_securities, index_risk_scan, portfolio_risk, " +
		"portfolio_risk_drill_down, cfo_liquidity_report, issuer_peers_compare."
	raw, err := a.llm.ChatJSON(ctx, system, query)
	if err != nil {
		return "", err
	}
	var out struct {
		ScenarioType ScenarioType `json:"scenario_type"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if _, ok := Catalogue()[out.ScenarioType]; !ok {
		return "", fmt.Errorf("llm returned unknown scenario %q", out.ScenarioType)
	}
	return out.ScenarioType, nil
}

// Replan implements Strategy: the condensed plan, execution result and active
// limits go to the LLM, whose answer must decode and validate; otherwise the
// basic heuristics take over.
func (a *AdvancedStrategy) Replan(ctx context.Context, session *SessionContext, result *PlanExecutionResult) (*Plan, error) {
	if a.llm == nil {
		return a.basic.Replan(ctx, session, result)
	}

	plan := session.Plan()
	payload, err := json.Marshal(map[string]any{
		"plan":             plan,
		"execution_result": result,
		"limits": map[string]int{
			"max_plan_steps":          a.basic.cfg.MaxPlanSteps,
			"max_tickers_per_request": a.basic.cfg.MaxTickersPerRequest,
		},
	})
	if err != nil {
		return a.basic.Replan(ctx, session, result)
	}

	system := "You repair failed MOEX analysis plans. Given a plan, its execution result and the " +
		"active limits, answer with a JSON object {\"scenario_type\":..., \"steps\":[{\"step_id\":int, " +
		"\"type\":\"mcp_call|limit_portfolio|rag_search|explanation\", \"tool\":string, " +
		"\"arguments\":object, \"depends_on\":[int]}]} that avoids the recorded failure. " +
		"Shrink date windows or ticker counts rather than dropping the analysis."

	raw, err := a.llm.ChatJSON(ctx, system, string(payload))
	if err != nil {
		a.log.Warn().Err(err).Msg("LLM replan failed, falling back to basic")
		return a.basic.Replan(ctx, session, result)
	}

	next, err := decodePlan(raw)
	if err != nil {
		a.log.Warn().Err(err).Msg("LLM replan returned an invalid plan, falling back to basic")
		return a.basic.Replan(ctx, session, result)
	}
	if err := a.validator.Validate(next, map[string]bool{plan.Signature(): true}); err != nil {
		a.log.Warn().Err(err).Msg("LLM replan rejected by validator, falling back to basic")
		return a.basic.Replan(ctx, session, result)
	}
	return next, nil
}

// ==========================================
// External strategy (delegated)
// ==========================================

// ExternalStrategy delegates planning to a remote endpoint speaking the same
// plan contract, with the basic heuristics as a fallback on timeout or error.
type ExternalStrategy struct {
	basic      *BasicStrategy
	url        string
	httpClient *http.Client
	validator  *Validator
	log        zerolog.Logger
}

// NewExternalStrategy creates the delegating planner.
func NewExternalStrategy(basic *BasicStrategy, url string, validator *Validator, log zerolog.Logger) *ExternalStrategy {
	return &ExternalStrategy{
		basic:      basic,
		url:        url,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		validator:  validator,
		log:        log.With().Str("component", "planner-external").Logger(),
	}
}

// MaxReplanAttempts implements Strategy.
func (e *ExternalStrategy) MaxReplanAttempts() int { return MaxReplanAttemptsBasic }

// BuildPlan implements Strategy.
func (e *ExternalStrategy) BuildPlan(ctx context.Context, session *SessionContext) (*Plan, error) {
	plan, err := e.delegate(ctx, session, nil)
	if err != nil {
		e.log.Warn().Err(err).Msg("External planner unavailable, falling back to basic")
		return e.basic.BuildPlan(ctx, session)
	}
	return plan, nil
}

// Replan implements Strategy.
func (e *ExternalStrategy) Replan(ctx context.Context, session *SessionContext, result *PlanExecutionResult) (*Plan, error) {
	plan, err := e.delegate(ctx, session, result)
	if err != nil {
		e.log.Warn().Err(err).Msg("External replanner unavailable, falling back to basic")
		return e.basic.Replan(ctx, session, result)
	}
	return plan, nil
}

func (e *ExternalStrategy) delegate(ctx context.Context, session *SessionContext, result *PlanExecutionResult) (*Plan, error) {
	payload, err := json.Marshal(map[string]any{
		"messages":         session.Messages,
		"locale":           session.Locale,
		"plan":             session.Plan(),
		"execution_result": result,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external planner returned status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	plan, err := decodePlan(raw)
	if err != nil {
		return nil, err
	}

	var seen map[string]bool
	if prev := session.Plan(); prev != nil {
		seen = map[string]bool{prev.Signature(): true}
	}
	if err := e.validator.Validate(plan, seen); err != nil {
		return nil, err
	}
	return plan, nil
}

// ==========================================
// Shared helpers
// ==========================================

// decodePlan parses an untrusted plan document (LLM or external planner).
func decodePlan(raw json.RawMessage) (*Plan, error) {
	var plan Plan
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	return &plan, nil
}

// clonePlan deep-copies a plan so rewrites never touch the executed one.
func clonePlan(plan *Plan) *Plan {
	next := &Plan{
		ScenarioType: plan.ScenarioType,
		TemplateID:   plan.TemplateID,
		CostRank:     plan.CostRank,
		MaxParallel:  plan.MaxParallel,
		Steps:        make([]PlannedStep, len(plan.Steps)),
	}
	for i, step := range plan.Steps {
		copied := step
		copied.DependsOn = append([]int(nil), step.DependsOn...)
		if step.Arguments != nil {
			args := make(map[string]any, len(step.Arguments))
			for k, v := range step.Arguments {
				args[k] = v
			}
			copied.Arguments = args
		}
		next.Steps[i] = copied
	}
	return next
}

// renumber reassigns sequential ids and remaps dependencies after steps were
// inserted.
func renumber(plan *Plan) {
	oldToNew := make(map[int]int, len(plan.Steps))
	for i := range plan.Steps {
		oldToNew[plan.Steps[i].ID] = i
	}
	for i := range plan.Steps {
		plan.Steps[i].ID = i
		for j, dep := range plan.Steps[i].DependsOn {
			if mapped, ok := oldToNew[dep]; ok {
				plan.Steps[i].DependsOn[j] = mapped
			}
		}
	}
}

// halveDateWindows keeps each step's to_date and moves from_date to the
// midpoint, shrinking every requested window by half.
func halveDateWindows(plan *Plan) {
	for i := range plan.Steps {
		args := plan.Steps[i].Arguments
		if args == nil {
			continue
		}
		fromStr, okFrom := args["from_date"].(string)
		toStr, okTo := args["to_date"].(string)
		if !okFrom || !okTo {
			continue
		}
		from, err1 := time.Parse("2006-01-02", fromStr)
		to, err2 := time.Parse("2006-01-02", toStr)
		if err1 != nil || err2 != nil || !to.After(from) {
			continue
		}
		mid := from.Add(to.Sub(from) / 2)
		args["from_date"] = mid.Format("2006-01-02")
	}
}

// shrinkPortfolios halves the session portfolio (top positions by weight) and
// rewrites literal position arguments. Returns false once a single position
// remains.
func shrinkPortfolios(plan *Plan, session *SessionContext) bool {
	portfolio := session.Portfolio()
	if len(portfolio) <= 1 {
		return false
	}
	topN := len(portfolio) / 2
	if topN < 1 {
		topN = 1
	}
	truncated, others := TruncatePortfolio(portfolio, topN)
	session.SetPortfolio(truncated)
	session.SetOthersShare(session.OthersShare() + others)

	for i := range plan.Steps {
		args := plan.Steps[i].Arguments
		if args == nil {
			continue
		}
		if _, ok := args["positions"]; ok {
			if _, isRef := args["positions"].(string); !isRef {
				if plan.Steps[i].Tool == "suggest_rebalance" {
					args["positions"] = positionsToRebalanceArgs(truncated)
				} else {
					args["positions"] = positionsToArgs(truncated)
				}
			}
		}
		if _, ok := args["tickers"]; ok {
			tickers := make([]string, 0, len(truncated))
			for _, p := range truncated {
				tickers = append(tickers, p.Ticker)
			}
			args["tickers"] = tickers
		}
	}
	return true
}

// positionsToArgs converts domain positions to the analyze tool's wire shape.
func positionsToArgs(positions []domain.Position) []map[string]any {
	out := make([]map[string]any, len(positions))
	for i, p := range positions {
		entry := map[string]any{
			"ticker":      p.Ticker,
			"weight":      p.Weight,
			"asset_class": string(p.AssetClass),
		}
		if p.Issuer != "" {
			entry["issuer"] = p.Issuer
		}
		if p.Currency != "" {
			entry["currency"] = p.Currency
		}
		if p.LiquidityBucket != "" {
			entry["liquidity_bucket"] = string(p.LiquidityBucket)
		}
		out[i] = entry
	}
	return out
}

// positionsToRebalanceArgs converts positions to the rebalance tool's shape.
func positionsToRebalanceArgs(positions []domain.Position) []map[string]any {
	out := make([]map[string]any, len(positions))
	for i, p := range positions {
		entry := map[string]any{
			"ticker":         p.Ticker,
			"current_weight": p.Weight,
			"asset_class":    string(p.AssetClass),
		}
		if p.Issuer != "" {
			entry["issuer"] = p.Issuer
		}
		out[i] = entry
	}
	return out
}

// rewriteStepRef maps "$steps.<templateIdx>.<path>" to the assigned step id.
func rewriteStepRef(ref string, templateToID map[int]int) string {
	parts := strings.SplitN(strings.TrimPrefix(ref, "$steps."), ".", 2)
	var idx int
	if _, err := fmt.Sscanf(parts[0], "%d", &idx); err != nil {
		return ref
	}
	id, ok := templateToID[idx]
	if !ok {
		return ref
	}
	if len(parts) == 2 {
		return fmt.Sprintf("$steps.%d.%s", id, parts[1])
	}
	return fmt.Sprintf("$steps.%d", id)
}

func appendUnique(list []int, v int) []int {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
