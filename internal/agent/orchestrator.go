package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/trustmycode/moex-agent/internal/domain"
)

const digestLimit = 160

// ToolCaller is the seam the orchestrator uses to reach MCP tools. Production
// wires the MCPClient; tests substitute a stub.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error)
}

// Orchestrator executes plans step by step: topological order, bounded
// parallelism for independent steps, per-step deadlines and structured error
// classification.
type Orchestrator struct {
	caller      ToolCaller
	parallelism int
	stepTimeout time.Duration
	log         zerolog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(caller ToolCaller, parallelism int, stepTimeout time.Duration, log zerolog.Logger) *Orchestrator {
	if parallelism <= 0 {
		parallelism = 4
	}
	if stepTimeout <= 0 {
		stepTimeout = 20 * time.Second
	}
	return &Orchestrator{
		caller:      caller,
		parallelism: parallelism,
		stepTimeout: stepTimeout,
		log:         log.With().Str("component", "orchestrator").Logger(),
	}
}

// Execute runs the session's plan to completion or first fatal error.
// ExecutedStep records are appended to the session in completion order; the
// aggregate result feeds the re-plan loop.
func (o *Orchestrator) Execute(ctx context.Context, session *SessionContext) *PlanExecutionResult {
	plan := session.Plan()
	started := time.Now()
	result := &PlanExecutionResult{}
	if plan == nil {
		result.HasFatalError = true
		return result
	}

	parallel := o.parallelism
	if plan.MaxParallel > 0 && plan.MaxParallel < parallel {
		parallel = plan.MaxParallel
	}

	completed := make(map[int]bool, len(plan.Steps))
	failed := make(map[int]bool)
	var mu sync.Mutex
	shortCircuit := false

	pending := make([]PlannedStep, len(plan.Steps))
	copy(pending, plan.Steps)

	for len(pending) > 0 && !shortCircuit {
		// Collect the ready wave: steps whose dependencies all completed.
		var wave []PlannedStep
		var rest []PlannedStep
		for _, step := range pending {
			ready := true
			blocked := false
			for _, dep := range step.DependsOn {
				if failed[dep] {
					blocked = true
					break
				}
				if !completed[dep] {
					ready = false
				}
			}
			switch {
			case blocked:
				record := ExecutedStep{StepID: step.ID, Status: StatusSkipped, Digest: "dependency failed"}
				session.AppendExecuted(record)
				mu.Lock()
				result.Steps = append(result.Steps, record)
				completed[step.ID] = true
				failed[step.ID] = true
				mu.Unlock()
			case ready:
				wave = append(wave, step)
			default:
				rest = append(rest, step)
			}
		}
		if len(wave) == 0 {
			if len(rest) > 0 {
				// Unsatisfiable dependencies; the validator should have
				// caught this, so treat it as fatal.
				o.log.Error().Int("stuck_steps", len(rest)).Msg("Plan execution deadlocked")
				result.HasFatalError = true
			}
			break
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(parallel)
		for _, step := range wave {
			step := step
			group.Go(func() error {
				record := o.runStep(groupCtx, session, step)
				session.AppendExecuted(record)

				mu.Lock()
				result.Steps = append(result.Steps, record)
				completed[step.ID] = true
				if record.Status == StatusError {
					failed[step.ID] = true
					session.LogError(fmt.Sprintf("step %d (%s): %s", step.ID, step.Tool, record.ErrorCategory))
					if record.ErrorCategory.IsFatal() || step.Fatal {
						result.HasFatalError = true
						shortCircuit = true
					}
				}
				mu.Unlock()
				return nil
			})
		}
		_ = group.Wait()

		if ctx.Err() != nil {
			result.HasFatalError = true
			break
		}
		pending = rest
	}

	result.TotalDurationMS = time.Since(started).Milliseconds()
	return result
}

// runStep executes one step under its deadline and classifies the outcome.
func (o *Orchestrator) runStep(ctx context.Context, session *SessionContext, step PlannedStep) ExecutedStep {
	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	started := time.Now()
	record := ExecutedStep{StepID: step.ID}

	var payload json.RawMessage
	var err error
	switch step.Type {
	case StepMCPCall:
		var args map[string]any
		args, err = o.resolveArguments(session, step.Arguments)
		if err == nil {
			payload, err = o.caller.CallTool(stepCtx, step.Tool, args)
		}
	case StepLimitPortfolio:
		payload, err = o.runLimitPortfolio(session, step)
	case StepRAGSearch:
		// No retrieval backend is wired; the step is recorded as skipped so
		// the formatter knows the context is incomplete.
		record.Status = StatusSkipped
		record.Digest = "no retrieval backend configured"
		record.DurationMS = time.Since(started).Milliseconds()
		return record
	case StepExplanation:
		if waitMS, ok := numberArg(step.Arguments, "wait_ms"); ok && waitMS > 0 {
			select {
			case <-time.After(time.Duration(waitMS) * time.Millisecond):
			case <-stepCtx.Done():
			}
		}
		record.Status = StatusOK
		record.Digest = "narrative deferred to formatter"
		record.DurationMS = time.Since(started).Milliseconds()
		return record
	default:
		err = domain.NewValidationError("step", fmt.Sprintf("unknown step type %q", step.Type))
	}

	record.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		record.Status = StatusError
		record.ErrorCategory = domain.CategoryOf(err)
		if stepCtx.Err() == context.DeadlineExceeded && record.ErrorCategory == domain.CategoryUnknown {
			record.ErrorCategory = domain.CategoryISSTimeout
		}
		record.Digest = truncateDigest(err.Error())
		o.log.Warn().
			Err(err).
			Int("step", step.ID).
			Str("tool", step.Tool).
			Msg("Step failed")
		return record
	}

	record.Status = StatusOK
	record.Digest = truncateDigest(string(payload))
	session.SetToolResult(step.ID, payload)
	return record
}

// runLimitPortfolio truncates the session portfolio to top-N by weight and
// records the "others" bucket.
func (o *Orchestrator) runLimitPortfolio(session *SessionContext, step PlannedStep) (json.RawMessage, error) {
	topN, _ := numberArg(step.Arguments, "top_n")
	if topN <= 0 {
		return nil, domain.NewValidationError("top_n", "limit_portfolio requires a positive top_n")
	}
	truncated, others := TruncatePortfolio(session.Portfolio(), int(topN))
	session.SetPortfolio(truncated)
	session.SetOthersShare(others)

	return json.Marshal(map[string]any{
		"kept":          len(truncated),
		"others_weight": others,
	})
}

// resolveArguments materialises reference arguments: "$portfolio" and
// "$rebalance_portfolio" read the session portfolio, "$steps.<id>.<path>"
// reads a prior step's output by dotted path.
func (o *Orchestrator) resolveArguments(session *SessionContext, args map[string]any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	resolved := make(map[string]any, len(args))
	for key, value := range args {
		str, isString := value.(string)
		switch {
		case isString && str == "$portfolio":
			resolved[key] = positionsToArgs(session.Portfolio())
		case isString && str == "$rebalance_portfolio":
			resolved[key] = positionsToRebalanceArgs(session.Portfolio())
		case isString && strings.HasPrefix(str, "$steps."):
			v, err := resolveStepRef(session, str)
			if err != nil {
				return nil, err
			}
			resolved[key] = v
		default:
			resolved[key] = value
		}
	}
	return resolved, nil
}

// resolveStepRef walks "$steps.<id>.<dotted.path>" into a prior result.
func resolveStepRef(session *SessionContext, ref string) (any, error) {
	parts := strings.Split(strings.TrimPrefix(ref, "$steps."), ".")
	if len(parts) == 0 {
		return nil, domain.NewValidationError("arguments", fmt.Sprintf("malformed step reference %q", ref))
	}
	var stepID int
	if _, err := fmt.Sscanf(parts[0], "%d", &stepID); err != nil {
		return nil, domain.NewValidationError("arguments", fmt.Sprintf("malformed step reference %q", ref))
	}
	raw, ok := session.ToolResult(stepID)
	if !ok {
		return nil, domain.NewValidationError("arguments", fmt.Sprintf("step %d has no result to reference", stepID))
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, domain.NewValidationError("arguments", fmt.Sprintf("step %d result is not JSON", stepID))
	}
	for _, segment := range parts[1:] {
		m, ok := doc.(map[string]any)
		if !ok {
			return nil, domain.NewValidationError("arguments", fmt.Sprintf("path %q does not resolve in step %d result", ref, stepID))
		}
		doc, ok = m[segment]
		if !ok {
			return nil, domain.NewValidationError("arguments", fmt.Sprintf("path %q does not resolve in step %d result", ref, stepID))
		}
	}
	return doc, nil
}

func numberArg(args map[string]any, key string) (float64, bool) {
	if args == nil {
		return 0, false
	}
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func truncateDigest(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= digestLimit {
		return s
	}
	return s[:digestLimit] + "..."
}
