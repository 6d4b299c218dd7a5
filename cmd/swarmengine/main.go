// Package main provides the CLI entry point for the swarmengine service.
//
// swarmengine drives LLM-generated code through a plan, write, execute,
// review loop inside a per-task sandbox, and exposes the result over an
// HTTP/SSE API.
//
// Start the server:
//
//	swarmengine serve
//
// Check that a running instance is healthy:
//
//	swarmengine healthcheck --addr http://127.0.0.1:8000
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "swarmengine",
		Short: "swarmengine - LLM-driven code generation workflow engine",
		Long: `swarmengine admits a coding task, runs it through a plan, code,
sandbox-execute, review, and reflect workflow against a Gemini-compatible
model, and streams progress back over SSE.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildHealthcheckCmd(), buildVersionCmd())
	return rootCmd
}
