package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clew-ai/clew/internal/agent"
	"github.com/clew-ai/clew/internal/config"
	"github.com/clew-ai/clew/internal/observability"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator",
		Long: `Start the orchestrator with all configured frontends and model backends.

The process:
1. Loads configuration from the given file (defaults apply when absent)
2. Starts the per-chat queues and background daemons
3. Connects enabled frontend adapters and probes model backends
4. Serves Prometheus metrics when an address is configured

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  clew serve

  # Start with custom config and debug logging
  clew serve --config /etc/clew/system_config.json --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, dataDir, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "system_config.json",
		"Path to the configuration file (JSON, JSON5 or YAML)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "data/contexts",
		"Directory for persisted chat contexts")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath, dataDir string, debug bool) error {
	logger := observability.NewLogger(*defaultLogger(debug))
	slog.SetDefault(logger)

	logger.Info("starting clew",
		"version", version,
		"config", configPath,
		"data_dir", dataDir)

	cfg := config.Load(configPath, logger)
	obs := cfg.System.Observability

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(obs)

	core, err := agent.New(agent.Options{
		ConfigPath: configPath,
		DataDir:    dataDir,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to build agent core: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if obs.MetricsAddr != "" {
		go metrics.Serve(ctx, obs.MetricsAddr, logger)
	}

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent core: %w", err)
	}
	logger.Info("clew started")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	core.Stop(shutdownCtx)
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}

	logger.Info("clew stopped gracefully")
	return nil
}
