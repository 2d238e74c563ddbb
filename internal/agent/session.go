package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// ChatMessage is one turn of the incoming conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionContext is the per-request state container. The request input is
// immutable; the plan, execution log and tool results accumulate as the
// orchestration progresses. Sessions are never shared across requests.
type SessionContext struct {
	ID       string
	Messages []ChatMessage
	Locale   string
	UserRole string
	Debug    bool

	startedAt time.Time

	mu          sync.Mutex
	plan        *Plan
	executed    []ExecutedStep
	toolResults map[int]json.RawMessage
	errorLog    []string
	portfolio   []domain.Position
	othersPct   float64 // weight share folded into the "others" bucket by limit_portfolio
}

// NewSession creates a session for one request.
func NewSession(sessionID string, messages []ChatMessage, locale, userRole string, debug bool) *SessionContext {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &SessionContext{
		ID:          sessionID,
		Messages:    messages,
		Locale:      locale,
		UserRole:    userRole,
		Debug:       debug,
		startedAt:   time.Now(),
		toolResults: make(map[int]json.RawMessage),
	}
}

// LatestUserMessage returns the content of the last user turn.
func (s *SessionContext) LatestUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Elapsed is the wall-clock time since the session was created.
func (s *SessionContext) Elapsed() time.Duration {
	return time.Since(s.startedAt)
}

// SetPlan installs the active plan.
func (s *SessionContext) SetPlan(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = plan
}

// Plan returns the active plan.
func (s *SessionContext) Plan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// AppendExecuted records a finished step. Append order is completion order.
func (s *SessionContext) AppendExecuted(step ExecutedStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, step)
}

// Executed returns a copy of the execution log.
func (s *SessionContext) Executed() []ExecutedStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutedStep, len(s.executed))
	copy(out, s.executed)
	return out
}

// SetToolResult stores a step's result payload.
func (s *SessionContext) SetToolResult(stepID int, result json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResults[stepID] = result
}

// ToolResult fetches a step's result payload.
func (s *SessionContext) ToolResult(stepID int) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.toolResults[stepID]
	return r, ok
}

// ToolResults returns a copy of all step results.
func (s *SessionContext) ToolResults() map[int]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]json.RawMessage, len(s.toolResults))
	for k, v := range s.toolResults {
		out[k] = v
	}
	return out
}

// LogError appends to the session error log.
func (s *SessionContext) LogError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorLog = append(s.errorLog, message)
}

// ErrorLog returns a copy of the error log.
func (s *SessionContext) ErrorLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.errorLog))
	copy(out, s.errorLog)
	return out
}

// SetPortfolio installs the parsed portfolio.
func (s *SessionContext) SetPortfolio(positions []domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolio = positions
}

// Portfolio returns the current (possibly truncated) portfolio.
func (s *SessionContext) Portfolio() []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, len(s.portfolio))
	copy(out, s.portfolio)
	return out
}

// SetOthersShare records the weight folded away by limit_portfolio.
func (s *SessionContext) SetOthersShare(share float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.othersPct = share
}

// OthersShare returns the truncated weight share.
func (s *SessionContext) OthersShare() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.othersPct
}

// ResetForReplan clears execution state while keeping the request input and
// portfolio, preparing the session for a fresh plan.
func (s *SessionContext) ResetForReplan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResults = make(map[int]json.RawMessage)
	// The executed log is intentionally kept: the history of failed attempts
	// is part of the debug output.
}
