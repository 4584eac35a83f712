// Package main is the CLI entry point for the clew chat-agent orchestrator.
//
// Start the orchestrator:
//
//	clew serve --config system_config.json
//
// Write a default configuration file:
//
//	clew config init
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clew-ai/clew/internal/observability"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clew",
		Short: "clew - chat-agent orchestrator",
		Long: `clew routes chat platform messages through per-chat queues into an
LLM-backed workflow engine with persistent conversation contexts,
ephemeral model sessions and a tool-call loop.

Supported frontends: OneBot (QQ), Telegram
Model backends: any OpenAI-compatible endpoint`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// defaultLogger builds the process logger before the config file is read.
func defaultLogger(debug bool) *observability.LogConfig {
	level := "info"
	if debug {
		level = "debug"
	}
	return &observability.LogConfig{Level: level, Output: os.Stderr}
}
