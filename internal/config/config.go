// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables
// (optionally seeded from a .env file via godotenv). Each of the three
// services (agent, moex-mcp, risk-mcp) reads the sections it needs from the
// same Config struct, so defaults live in exactly one place.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PlannerMode selects the planning strategy for the agent.
type PlannerMode string

const (
	PlannerBasic    PlannerMode = "basic"
	PlannerAdvanced PlannerMode = "advanced"
	PlannerExternal PlannerMode = "external_agent"
)

// Config holds application configuration for all services.
type Config struct {
	Environment string // dev, staging, prod
	LogLevel    string // Log level (debug, info, warn, error)
	Agent       AgentConfig
	MOEX        MOEXConfig
	Risk        RiskConfig
	LLM         LLMConfig
}

// AgentConfig holds orchestrator agent configuration.
type AgentConfig struct {
	ServiceURL           string      // Public URL of the agent service
	Port                 int         // HTTP server port (default: 8010)
	MCPURLs              []string    // MCP server base URLs (comma-separated in MCP_URL)
	PlannerMode          PlannerMode // basic, advanced or external_agent
	ExternalPlannerURL   string      // Remote planner endpoint (external_agent mode)
	MaxTickersPerRequest int         // Portfolio truncation threshold (default: 10)
	MaxPlanSteps         int         // Plan length ceiling (default: 12)
	RequestTimeout       time.Duration
	StepTimeout          time.Duration
	OrchestratorParallel int // Concurrent independent plan steps (default: 4)
}

// MOEXConfig holds MOEX ISS data provider configuration.
type MOEXConfig struct {
	BaseURL         string
	RateLimitRPS    float64
	RequestTimeout  time.Duration
	MaxLookbackDays int
	EnableCache     bool
	CacheTTL        time.Duration
	CacheMaxSize    int
	Port            int // moex-mcp HTTP port (default: 8020)
}

// RiskConfig holds risk MCP server configuration.
type RiskConfig struct {
	Host                  string
	Port                  int // risk-mcp HTTP port (default: 8030)
	MaxPortfolioTickers   int
	MaxCorrelationTickers int
	MaxPeers              int
	MaxLookbackDays       int
	DefaultIndexTicker    string
}

// LLMConfig holds LLM connector configuration.
type LLMConfig struct {
	APIBase       string
	APIKey        string
	ModelMain     string
	ModelFallback string
	ModelDev      string
	Timeout       time.Duration
}

// Load reads configuration from environment variables.
//
// A .env file is loaded first if present; real environment variables always
// win. Defaults match the values documented in the service README.
func Load() (*Config, error) {
	// godotenv returns an error when .env does not exist, which is fine
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Agent: AgentConfig{
			ServiceURL:           getEnv("AGENT_SERVICE_URL", "http://localhost:8010"),
			Port:                 getEnvAsInt("AGENT_PORT", 8010),
			MCPURLs:              splitCSV(getEnv("MCP_URL", "http://localhost:8020,http://localhost:8030")),
			PlannerMode:          PlannerMode(getEnv("PLANNER_MODE", string(PlannerBasic))),
			ExternalPlannerURL:   getEnv("EXTERNAL_PLANNER_URL", ""),
			MaxTickersPerRequest: getEnvAsInt("MAX_TICKERS_PER_REQUEST", 10),
			MaxPlanSteps:         getEnvAsInt("MAX_PLAN_STEPS", 12),
			RequestTimeout:       time.Duration(getEnvAsInt("AGENT_REQUEST_TIMEOUT_SECONDS", 60)) * time.Second,
			StepTimeout:          time.Duration(getEnvAsInt("AGENT_STEP_TIMEOUT_SECONDS", 20)) * time.Second,
			OrchestratorParallel: getEnvAsInt("ORCHESTRATOR_PARALLELISM", 4),
		},
		MOEX: MOEXConfig{
			BaseURL:         getEnv("MOEX_ISS_BASE_URL", "https://iss.moex.com/iss"),
			RateLimitRPS:    getEnvAsFloat("MOEX_ISS_RATE_LIMIT_RPS", 3),
			RequestTimeout:  time.Duration(getEnvAsInt("MOEX_ISS_TIMEOUT_SECONDS", 10)) * time.Second,
			MaxLookbackDays: getEnvAsInt("MOEX_ISS_MAX_LOOKBACK_DAYS", 730),
			EnableCache:     getEnvAsBool("ENABLE_CACHE", true),
			CacheTTL:        time.Duration(getEnvAsInt("CACHE_TTL_SECONDS", 30)) * time.Second,
			CacheMaxSize:    getEnvAsInt("CACHE_MAX_SIZE", 256),
			Port:            getEnvAsInt("MOEX_MCP_PORT", 8020),
		},
		Risk: RiskConfig{
			Host:                  getEnv("RISK_MCP_HOST", "0.0.0.0"),
			Port:                  getEnvAsInt("RISK_MCP_PORT", 8030),
			MaxPortfolioTickers:   getEnvAsInt("RISK_MAX_PORTFOLIO_TICKERS", 10),
			MaxCorrelationTickers: getEnvAsInt("RISK_MAX_CORRELATION_TICKERS", 15),
			MaxPeers:              getEnvAsInt("RISK_MAX_PEERS", 8),
			MaxLookbackDays:       getEnvAsInt("RISK_MAX_LOOKBACK_DAYS", 730),
			DefaultIndexTicker:    getEnv("RISK_DEFAULT_INDEX_TICKER", "IMOEX"),
		},
		LLM: LLMConfig{
			APIBase:       getEnv("LLM_API_BASE", "http://localhost:11434/v1"),
			APIKey:        getEnv("LLM_API_KEY", ""),
			ModelMain:     getEnv("LLM_MODEL_MAIN", "gpt-4o"),
			ModelFallback: getEnv("LLM_MODEL_FALLBACK", "gpt-4o-mini"),
			ModelDev:      getEnv("LLM_MODEL_DEV", ""),
			Timeout:       time.Duration(getEnvAsInt("LLM_TIMEOUT_SECONDS", 30)) * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Agent.PlannerMode {
	case PlannerBasic, PlannerAdvanced, PlannerExternal:
	default:
		return fmt.Errorf("invalid PLANNER_MODE %q (expected basic, advanced or external_agent)", c.Agent.PlannerMode)
	}
	if c.Agent.PlannerMode == PlannerExternal && c.Agent.ExternalPlannerURL == "" {
		return fmt.Errorf("EXTERNAL_PLANNER_URL is required when PLANNER_MODE=external_agent")
	}
	if c.MOEX.RateLimitRPS <= 0 {
		return fmt.Errorf("MOEX_ISS_RATE_LIMIT_RPS must be positive, got %v", c.MOEX.RateLimitRPS)
	}
	if c.Agent.MaxPlanSteps <= 0 {
		return fmt.Errorf("MAX_PLAN_STEPS must be positive, got %d", c.Agent.MaxPlanSteps)
	}
	if len(c.Agent.MCPURLs) == 0 {
		return fmt.Errorf("MCP_URL must name at least one MCP server")
	}
	return nil
}

// ==========================================
// Helper Functions
// ==========================================

// getEnv retrieves an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as a float with a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// splitCSV splits a comma-separated value, trimming whitespace and dropping
// empty entries.
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
