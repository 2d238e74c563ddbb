package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmycode/moex-agent/pkg/logger"
)

func formattedSession(t *testing.T) (*SessionContext, *PlanExecutionResult) {
	t.Helper()
	session := sessionFor("риск портфеля SBER 50%, GAZP 50%")
	strategy := testBasicStrategy()
	plan, err := strategy.BuildPlan(context.Background(), session)
	require.NoError(t, err)
	session.SetPlan(plan)

	orch := testOrchestrator(happyCaller(t))
	result := orch.Execute(context.Background(), session)
	require.False(t, result.HasFatalError)
	return session, result
}

func TestFormatter_BuildsTextTablesAndDashboard(t *testing.T) {
	session, result := formattedSession(t)
	formatter := NewFormatter(nil, logger.New(logger.Config{Level: "error"}))

	output := formatter.Format(context.Background(), session, result)
	require.NotNil(t, output)
	assert.NotEmpty(t, output.Text)
	assert.Contains(t, output.Text, "12.00%", "the deterministic narrative cites the total return")
	assert.Empty(t, output.ErrorMessage)

	tableIDs := make(map[string]bool)
	for _, table := range output.Tables {
		tableIDs[table.ID] = true
		assert.NotEmpty(t, table.Columns)
	}
	assert.True(t, tableIDs["positions"])
	assert.True(t, tableIDs["stress_scenarios"])

	require.NotNil(t, output.Dashboard)
	assert.Empty(t, output.Dashboard.Validate(), "generated dashboards must self-validate")
	assert.Equal(t, "portfolio_risk", output.Dashboard.Metadata.ScenarioType)

	assert.Nil(t, output.Debug, "debug is absent on success without debug mode")
}

func TestFormatter_DebugModeAttachesDebug(t *testing.T) {
	session, result := formattedSession(t)
	session.Debug = true
	formatter := NewFormatter(nil, logger.New(logger.Config{Level: "error"}))

	output := formatter.Format(context.Background(), session, result)
	require.NotNil(t, output.Debug)
	assert.NotNil(t, output.Debug.Plan)
	assert.NotEmpty(t, output.Debug.Executed)
}

func TestFormatter_FatalFailureSurfacesErrorMessage(t *testing.T) {
	session := sessionFor("риск портфеля SBER 50%, GAZP 50%")
	strategy := testBasicStrategy()
	plan, err := strategy.BuildPlan(context.Background(), session)
	require.NoError(t, err)
	session.SetPlan(plan)

	result := &PlanExecutionResult{
		Steps:         []ExecutedStep{{StepID: 0, Status: StatusError, ErrorCategory: "VALIDATION_ERROR"}},
		HasFatalError: true,
	}
	formatter := NewFormatter(nil, logger.New(logger.Config{Level: "error"}))
	output := formatter.Format(context.Background(), session, result)

	assert.NotEmpty(t, output.ErrorMessage)
	assert.Contains(t, output.ErrorMessage, "VALIDATION_ERROR")
	assert.NotNil(t, output.Debug, "failures always carry debug info")
}

func TestChunkText_ConcatenationReproducesText(t *testing.T) {
	text := "Portfolio over 230 trading days: total return 12.00%, annualised volatility 22.00%, max drawdown -8.00%."
	chunks := chunkText(text, 20)
	require.Greater(t, len(chunks), 1)

	joined := ""
	for _, chunk := range chunks {
		joined += chunk
	}
	assert.Equal(t, text, joined)
}

func TestChunkText_Empty(t *testing.T) {
	assert.Nil(t, chunkText("", 10))
}
