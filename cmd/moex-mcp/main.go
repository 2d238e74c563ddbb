// Package main is the entry point for the MOEX ISS market-data MCP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trustmycode/moex-agent/internal/config"
	"github.com/trustmycode/moex-agent/internal/mcp"
	"github.com/trustmycode/moex-agent/internal/moex"
	"github.com/trustmycode/moex-agent/internal/risk"
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
	log.Info().Str("base_url", cfg.MOEX.BaseURL).Msg("Starting MOEX data MCP server")

	provider := moex.NewISSClient(cfg.MOEX, log)

	registry := mcp.NewRegistry()
	risk.RegisterMarketDataTools(registry, provider, log)

	promRegistry := prometheus.NewRegistry()
	metrics := mcp.NewMetrics(promRegistry)
	dispatcher := mcp.NewDispatcher(registry, mcp.DispatcherConfig{}, metrics, log)

	srv := mcp.NewServer(fmt.Sprintf(":%d", cfg.MOEX.Port), dispatcher, registry, promRegistry, log)

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
	log.Info().Msg("MOEX MCP server stopped")
}
