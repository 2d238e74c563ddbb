package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/trustmycode/moex-agent/internal/agui"
	"github.com/trustmycode/moex-agent/internal/config"
	"github.com/trustmycode/moex-agent/internal/domain"
)

// Service ties the planner, orchestrator and formatter into the request flow:
// build plan -> execute -> re-plan on fatal failure -> format.
type Service struct {
	cfg       config.AgentConfig
	strategy  Strategy
	orch      *Orchestrator
	formatter *Formatter
	validator *Validator
	log       zerolog.Logger
}

// NewService wires the orchestration pipeline.
func NewService(cfg config.AgentConfig, strategy Strategy, orch *Orchestrator, formatter *Formatter, validator *Validator, log zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		strategy:  strategy,
		orch:      orch,
		formatter: formatter,
		validator: validator,
		log:       log.With().Str("component", "agent").Logger(),
	}
}

// Process runs a session to completion and returns the composed output.
func (s *Service) Process(ctx context.Context, session *SessionContext) *Output {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	plan, err := s.strategy.BuildPlan(ctx, session)
	if err != nil {
		s.log.Warn().Err(err).Str("session", session.ID).Msg("Planning failed")
		session.LogError(err.Error())
		return &Output{
			Text:         planningFailureText(err),
			ErrorMessage: err.Error(),
			Debug: &DebugInfo{
				Errors:    session.ErrorLog(),
				ElapsedMS: session.Elapsed().Milliseconds(),
			},
		}
	}
	session.SetPlan(plan)

	seenSignatures := map[string]bool{plan.Signature(): true}
	result := s.orch.Execute(ctx, session)

	attempts := 0
	for result.HasFatalError && attempts < s.strategy.MaxReplanAttempts() && ctx.Err() == nil {
		attempts++
		next, err := s.strategy.Replan(ctx, session, result)
		if err != nil {
			s.log.Info().Err(err).Int("attempt", attempts).Msg("Re-plan not possible")
			break
		}
		if err := s.validator.Validate(next, seenSignatures); err != nil {
			s.log.Info().Err(err).Int("attempt", attempts).Msg("Re-plan rejected")
			break
		}
		seenSignatures[next.Signature()] = true

		session.ResetForReplan()
		session.SetPlan(next)
		result = s.orch.Execute(ctx, session)
	}

	return s.formatter.Format(ctx, session, result)
}

// ProcessStream runs a session while narrating progress over the AG-UI
// stream: RUN_STARTED, the text message, a state snapshot and exactly one
// terminal event.
func (s *Service) ProcessStream(ctx context.Context, session *SessionContext, writer *agui.RunWriter) {
	writer.Started(ctx)

	output := s.Process(ctx, session)

	if ctx.Err() != nil {
		// Client went away; the writer drops everything from here on.
		return
	}

	messageID := writer.StartMessage(ctx)
	for _, delta := range chunkText(output.Text, 160) {
		writer.Content(ctx, messageID, delta)
	}
	writer.EndMessage(ctx, messageID)

	snapshot := agui.SnapshotPayload{
		Status:      "done",
		SchemaValid: true,
		Text:        output.Text,
	}
	if output.Dashboard != nil {
		if problems := output.Dashboard.Validate(); len(problems) > 0 {
			snapshot.SchemaValid = false
			snapshot.SchemaErrors = problems
		}
		snapshot.Dashboard = output.Dashboard
	}
	if output.ErrorMessage != "" {
		snapshot.Status = "error"
		snapshot.Error = output.ErrorMessage
	}
	writer.Snapshot(ctx, snapshot)

	if output.ErrorMessage != "" {
		category := string(domain.CategoryUnknown)
		if result := firstErrorCategory(session); result != "" {
			category = string(result)
		}
		writer.Errored(ctx, output.ErrorMessage, category)
		return
	}
	writer.Finished(ctx)
}

func firstErrorCategory(session *SessionContext) domain.ErrorCategory {
	for _, step := range session.Executed() {
		if step.Status == StatusError {
			return step.ErrorCategory
		}
	}
	return ""
}

func planningFailureText(err error) string {
	var de *domain.Error
	if asDomain(err, &de) && de.Category == domain.CategoryValidation {
		return "I could not understand the request: " + de.Message
	}
	return "I could not plan this analysis: " + err.Error()
}

func asDomain(err error, target **domain.Error) bool {
	return errors.As(err, target)
}

// chunkText splits text into word-boundary chunks of roughly size bytes for
// incremental streaming. Concatenating the chunks reproduces the text.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	var chunks []string
	var current strings.Builder
	for _, word := range words {
		if current.Len() > 0 && current.Len()+len(word) > size {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
