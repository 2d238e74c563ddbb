package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator() *Validator {
	return NewValidator(12, 10, func(tool string) int { return 3 })
}

func TestValidator_AcceptsWellFormedPlan(t *testing.T) {
	plan := &Plan{
		ScenarioType: ScenarioPortfolioRisk,
		Steps: []PlannedStep{
			{ID: 0, Type: StepMCPCall, Tool: "analyze_portfolio_risk"},
			{ID: 1, Type: StepExplanation, DependsOn: []int{0}},
		},
	}
	assert.NoError(t, testValidator().Validate(plan, nil))
}

func TestValidator_RejectsEmptyPlan(t *testing.T) {
	assert.Error(t, testValidator().Validate(&Plan{}, nil))
	assert.Error(t, testValidator().Validate(nil, nil))
}

func TestValidator_RejectsTooManySteps(t *testing.T) {
	plan := &Plan{ScenarioType: ScenarioPortfolioRisk}
	for i := 0; i < 13; i++ {
		plan.Steps = append(plan.Steps, PlannedStep{ID: i, Type: StepExplanation})
	}
	assert.Error(t, testValidator().Validate(plan, nil))
}

func TestValidator_RejectsForwardDependency(t *testing.T) {
	plan := &Plan{
		Steps: []PlannedStep{
			{ID: 0, Type: StepExplanation, DependsOn: []int{1}},
			{ID: 1, Type: StepExplanation},
		},
	}
	assert.Error(t, testValidator().Validate(plan, nil), "dependencies must precede their dependents")
}

func TestValidator_RejectsUnknownDependency(t *testing.T) {
	plan := &Plan{
		Steps: []PlannedStep{
			{ID: 0, Type: StepExplanation, DependsOn: []int{9}},
		},
	}
	assert.Error(t, testValidator().Validate(plan, nil))
}

func TestValidator_RejectsDuplicateStepIDs(t *testing.T) {
	plan := &Plan{
		Steps: []PlannedStep{
			{ID: 0, Type: StepExplanation},
			{ID: 0, Type: StepExplanation},
		},
	}
	assert.Error(t, testValidator().Validate(plan, nil))
}

func TestValidator_RejectsMCPCallWithoutTool(t *testing.T) {
	plan := &Plan{Steps: []PlannedStep{{ID: 0, Type: StepMCPCall}}}
	assert.Error(t, testValidator().Validate(plan, nil))
}

func TestValidator_RejectsTickerOverflow(t *testing.T) {
	tickers := make([]string, 11)
	for i := range tickers {
		tickers[i] = string(rune('A'+i)) + "AA"
	}
	plan := &Plan{
		Steps: []PlannedStep{
			{ID: 0, Type: StepMCPCall, Tool: "compute_correlation_matrix", Arguments: map[string]any{"tickers": tickers}},
		},
	}
	assert.Error(t, testValidator().Validate(plan, nil))
}

func TestValidator_RejectsCostOverflow(t *testing.T) {
	validator := NewValidator(30, 10, func(string) int { return 10 })
	plan := &Plan{}
	for i := 0; i < 5; i++ {
		plan.Steps = append(plan.Steps, PlannedStep{ID: i, Type: StepMCPCall, Tool: "analyze_portfolio_risk"})
	}
	assert.Error(t, validator.Validate(plan, nil), "5 steps at rank 10 exceed the cost ceiling of 40")
}

func TestValidator_RejectsDuplicateSignature(t *testing.T) {
	plan := &Plan{
		Steps: []PlannedStep{{ID: 0, Type: StepMCPCall, Tool: "analyze_portfolio_risk"}},
	}
	seen := map[string]bool{plan.Signature(): true}
	assert.Error(t, testValidator().Validate(plan, seen))
	assert.NoError(t, testValidator().Validate(plan, map[string]bool{}))
}

func TestPlanSignature_TracksStepTuple(t *testing.T) {
	a := &Plan{Steps: []PlannedStep{{ID: 0, Type: StepMCPCall, Tool: "x", Arguments: map[string]any{"from_date": "2024-01-01"}}}}
	same := &Plan{Steps: []PlannedStep{{ID: 0, Type: StepMCPCall, Tool: "x", Arguments: map[string]any{"from_date": "2024-01-01"}}}}
	require.Equal(t, a.Signature(), same.Signature())

	narrowed := &Plan{Steps: []PlannedStep{{ID: 0, Type: StepMCPCall, Tool: "x", Arguments: map[string]any{"from_date": "2024-06-01"}}}}
	assert.NotEqual(t, a.Signature(), narrowed.Signature(), "changed arguments make a new plan")

	otherTool := &Plan{Steps: []PlannedStep{{ID: 0, Type: StepMCPCall, Tool: "y", Arguments: map[string]any{"from_date": "2024-01-01"}}}}
	assert.NotEqual(t, a.Signature(), otherTool.Signature())
}
