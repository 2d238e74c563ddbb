package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, PlannerBasic, cfg.Agent.PlannerMode)
	assert.Equal(t, 10, cfg.Agent.MaxTickersPerRequest)
	assert.Equal(t, 12, cfg.Agent.MaxPlanSteps)
	assert.Equal(t, 4, cfg.Agent.OrchestratorParallel)
	assert.Equal(t, 60*time.Second, cfg.Agent.RequestTimeout)

	assert.Equal(t, "https://iss.moex.com/iss", cfg.MOEX.BaseURL)
	assert.InDelta(t, 3.0, cfg.MOEX.RateLimitRPS, 1e-12)
	assert.Equal(t, 10*time.Second, cfg.MOEX.RequestTimeout)
	assert.Equal(t, 730, cfg.MOEX.MaxLookbackDays)
	assert.True(t, cfg.MOEX.EnableCache)
	assert.Equal(t, 30*time.Second, cfg.MOEX.CacheTTL)
	assert.Equal(t, 256, cfg.MOEX.CacheMaxSize)

	assert.Equal(t, "IMOEX", cfg.Risk.DefaultIndexTicker)
	assert.Equal(t, 730, cfg.Risk.MaxLookbackDays)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PLANNER_MODE", "advanced")
	t.Setenv("MAX_TICKERS_PER_REQUEST", "5")
	t.Setenv("MOEX_ISS_RATE_LIMIT_RPS", "7.5")
	t.Setenv("MCP_URL", "http://a:1, http://b:2 ,")
	t.Setenv("ENABLE_CACHE", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, PlannerAdvanced, cfg.Agent.PlannerMode)
	assert.Equal(t, 5, cfg.Agent.MaxTickersPerRequest)
	assert.InDelta(t, 7.5, cfg.MOEX.RateLimitRPS, 1e-12)
	assert.Equal(t, []string{"http://a:1", "http://b:2"}, cfg.Agent.MCPURLs)
	assert.False(t, cfg.MOEX.EnableCache)
}

func TestLoad_InvalidPlannerMode(t *testing.T) {
	t.Setenv("PLANNER_MODE", "quantum")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ExternalPlannerNeedsURL(t *testing.T) {
	t.Setenv("PLANNER_MODE", "external_agent")
	t.Setenv("EXTERNAL_PLANNER_URL", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("EXTERNAL_PLANNER_URL", "http://planner:8000/plan")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, PlannerExternal, cfg.Agent.PlannerMode)
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	t.Setenv("MAX_PLAN_STEPS", "a lot")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Agent.MaxPlanSteps)
}
