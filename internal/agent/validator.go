package agent

import (
	"fmt"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// DefaultMaxPlanCost bounds the summed cost rank of a plan.
const DefaultMaxPlanCost = 40

// Validator enforces the structural plan invariants: dependency ordering (and
// therefore acyclicity), step and ticker limits, and the cost ceiling. Every
// plan — heuristic, LLM-produced or delegated — passes through here before
// execution.
type Validator struct {
	MaxSteps   int
	MaxTickers int
	MaxCost    int
	CostRankOf func(tool string) int // nil means cost checking by step count only
}

// NewValidator creates a validator with the configured limits.
func NewValidator(maxSteps, maxTickers int, costRankOf func(string) int) *Validator {
	return &Validator{
		MaxSteps:   maxSteps,
		MaxTickers: maxTickers,
		MaxCost:    DefaultMaxPlanCost,
		CostRankOf: costRankOf,
	}
}

// Validate checks a candidate plan. seenSignatures carries the signatures of
// plans already attempted this session; duplicates are rejected so a re-plan
// loop cannot spin on the same plan.
func (v *Validator) Validate(plan *Plan, seenSignatures map[string]bool) error {
	if plan == nil || len(plan.Steps) == 0 {
		return domain.NewValidationError("plan", "plan must contain at least one step")
	}
	if v.MaxSteps > 0 && len(plan.Steps) > v.MaxSteps {
		return domain.NewValidationError("plan", fmt.Sprintf("plan has %d steps, limit is %d", len(plan.Steps), v.MaxSteps))
	}

	ids := make(map[int]int, len(plan.Steps)) // id -> position
	for pos, step := range plan.Steps {
		if _, dup := ids[step.ID]; dup {
			return domain.NewValidationError("plan", fmt.Sprintf("duplicate step id %d", step.ID))
		}
		ids[step.ID] = pos
	}

	cost := 0
	for pos, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			depPos, ok := ids[dep]
			if !ok {
				return domain.NewValidationError("plan", fmt.Sprintf("step %d depends on unknown step %d", step.ID, dep))
			}
			// Dependencies must precede their dependents, which also rules
			// out cycles.
			if depPos >= pos {
				return domain.NewValidationError("plan", fmt.Sprintf("step %d depends on step %d which does not precede it", step.ID, dep))
			}
		}
		switch step.Type {
		case StepMCPCall:
			if step.Tool == "" {
				return domain.NewValidationError("plan", fmt.Sprintf("step %d is an mcp_call without a tool", step.ID))
			}
			if v.CostRankOf != nil {
				cost += v.CostRankOf(step.Tool)
			} else {
				cost++
			}
		case StepLimitPortfolio, StepRAGSearch, StepExplanation:
			cost++
		default:
			return domain.NewValidationError("plan", fmt.Sprintf("step %d has unknown type %q", step.ID, step.Type))
		}

		if v.MaxTickers > 0 {
			if n := tickerCount(step.Arguments); n > v.MaxTickers {
				return domain.NewValidationError("plan", fmt.Sprintf("step %d references %d tickers, limit is %d", step.ID, n, v.MaxTickers))
			}
		}
	}

	if v.MaxCost > 0 && cost > v.MaxCost {
		return domain.NewValidationError("plan", fmt.Sprintf("plan cost %d exceeds ceiling %d", cost, v.MaxCost))
	}

	if seenSignatures != nil && seenSignatures[plan.Signature()] {
		return domain.NewValidationError("plan", "duplicate plan rejected")
	}
	return nil
}

// tickerCount counts distinct tickers referenced by a step's arguments.
func tickerCount(args map[string]any) int {
	if args == nil {
		return 0
	}
	distinct := make(map[string]bool)
	if tickers, ok := args["tickers"].([]string); ok {
		for _, t := range tickers {
			distinct[t] = true
		}
	}
	if tickers, ok := args["tickers"].([]any); ok {
		for _, t := range tickers {
			if s, ok := t.(string); ok {
				distinct[s] = true
			}
		}
	}
	if positions, ok := args["positions"].([]domain.Position); ok {
		for _, p := range positions {
			distinct[p.Ticker] = true
		}
	}
	if positions, ok := args["positions"].([]map[string]any); ok {
		for _, p := range positions {
			if t, ok := p["ticker"].(string); ok {
				distinct[t] = true
			}
		}
	}
	if positions, ok := args["positions"].([]any); ok {
		for _, p := range positions {
			if m, ok := p.(map[string]any); ok {
				if t, ok := m["ticker"].(string); ok {
					distinct[t] = true
				}
			}
		}
	}
	return len(distinct)
}
