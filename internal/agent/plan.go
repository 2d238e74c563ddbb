// Package agent implements the orchestrator core: session context, scenario
// catalogue, planner strategies, plan validation, step execution and response
// formatting.
package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// StepType classifies a planned step.
type StepType string

const (
	StepMCPCall        StepType = "mcp_call"
	StepLimitPortfolio StepType = "limit_portfolio"
	StepRAGSearch      StepType = "rag_search"
	StepExplanation    StepType = "explanation"
)

// StepStatus is the realised outcome of a step.
type StepStatus string

const (
	StatusOK      StepStatus = "ok"
	StatusError   StepStatus = "error"
	StatusSkipped StepStatus = "skipped"
)

// PlannedStep is one node of the plan arena. Steps are addressed by integer
// id; DependsOn lists the prior step ids whose outputs this step reads.
type PlannedStep struct {
	ID        int            `json:"step_id"`
	Type      StepType       `json:"type"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	DependsOn []int          `json:"depends_on,omitempty"`
	Fatal     bool           `json:"fatal,omitempty"` // failure short-circuits the plan
}

// Plan is an ordered sequence of steps plus metadata. Re-plans always produce
// a fresh Plan; step ids are stable only within one plan.
type Plan struct {
	ScenarioType ScenarioType  `json:"scenario_type"`
	TemplateID   string        `json:"template_id,omitempty"`
	Steps        []PlannedStep `json:"steps"`
	CostRank     int           `json:"cost_rank"`
	MaxParallel  int           `json:"max_parallel,omitempty"` // 0 means orchestrator default
}

// Signature is a stable fingerprint of the plan's step tuple (type, tool,
// dependencies, normalised arguments), used to reject duplicate re-plans. A
// re-plan that only shuffles metadata without changing any step is a
// duplicate; one that narrows a date window or shrinks a portfolio is not.
func (p *Plan) Signature() string {
	parts := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		deps := make([]string, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			deps = append(deps, fmt.Sprintf("%d", d))
		}
		sort.Strings(deps)
		// json.Marshal sorts map keys, so equal argument sets produce equal
		// digests regardless of construction order.
		args, _ := json.Marshal(s.Arguments)
		parts = append(parts, fmt.Sprintf("%s:%s[%s]%s", s.Type, s.Tool, strings.Join(deps, ","), args))
	}
	return strings.Join(parts, ";")
}

// ExecutedStep records the realised outcome of one planned step. Once
// appended to a session it is never mutated.
type ExecutedStep struct {
	StepID        int                  `json:"step_id"`
	Status        StepStatus           `json:"status"`
	ErrorCategory domain.ErrorCategory `json:"error_category,omitempty"`
	DurationMS    int64                `json:"duration_ms"`
	Digest        string               `json:"digest,omitempty"`
}

// PlanExecutionResult aggregates one orchestration pass.
type PlanExecutionResult struct {
	Steps           []ExecutedStep `json:"steps"`
	HasFatalError   bool           `json:"has_fatal_error"`
	TotalDurationMS int64          `json:"total_duration_ms"`
}

// FirstError returns the category of the first failed step, if any.
func (r *PlanExecutionResult) FirstError() (domain.ErrorCategory, bool) {
	for _, s := range r.Steps {
		if s.Status == StatusError {
			return s.ErrorCategory, true
		}
	}
	return "", false
}
