// Package main is the entry point for the orchestrator agent service.
// The agent accepts A2A and AG-UI requests, plans a sequence of MCP tool
// calls, executes them and composes the final report.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trustmycode/moex-agent/internal/agent"
	"github.com/trustmycode/moex-agent/internal/config"
	"github.com/trustmycode/moex-agent/internal/llm"
	"github.com/trustmycode/moex-agent/internal/server"
	"github.com/trustmycode/moex-agent/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Environment == "dev",
	})
	log.Info().Str("planner_mode", string(cfg.Agent.PlannerMode)).Msg("Starting MOEX agent")

	// The MCP client discovers which server exposes which tool; cost ranks
	// feed the plan validator's cost ceiling.
	mcpClient := agent.NewMCPClient(cfg.Agent.MCPURLs, log)
	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), 10*time.Second)
	costRanks, err := mcpClient.DiscoverTools(discoverCtx)
	cancelDiscover()
	if err != nil {
		log.Warn().Err(err).Msg("Tool discovery failed at boot; will retry lazily on first call")
	}
	costRankOf := func(tool string) int {
		if rank, ok := costRanks[tool]; ok && rank > 0 {
			return rank
		}
		return 1
	}

	llmClient := llm.NewClient(cfg.LLM, log)
	validator := agent.NewValidator(cfg.Agent.MaxPlanSteps, cfg.Agent.MaxTickersPerRequest, costRankOf)
	strategy := agent.NewStrategy(cfg.Agent, llmClient, validator, log)
	orch := agent.NewOrchestrator(mcpClient, cfg.Agent.OrchestratorParallel, cfg.Agent.StepTimeout, log)
	formatter := agent.NewFormatter(llmClient, log)
	service := agent.NewService(cfg.Agent, strategy, orch, formatter, validator, log)

	srv := server.New(server.Config{
		Port:    cfg.Agent.Port,
		Agent:   cfg.Agent,
		Service: service,
		Log:     log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	log.Info().Msg("Agent stopped")
}
