package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP surface.
// Flag values are empty/zero by default so runServe can tell "not set" apart
// from "set to the zero value" and fall back to the environment-derived
// config instead of stomping it with a flag default.
func buildServeCmd() *cobra.Command {
	var (
		host  string
		port  int
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the swarmengine HTTP server",
		Long: `Start the swarmengine HTTP server.

The server will:
1. Load configuration from the process environment
2. Construct the Gemini-backed LLM client and Docker sandbox engine
3. Start the task runtime's liveness monitor and stale-stream sweeper
4. Serve the HTTP API (task admission, SSE stream, completion, health, metrics)

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults from the environment
  swarmengine serve

  # Override the bind address
  swarmengine serve --host 0.0.0.0 --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, host, port, debug)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "HTTP bind address (overrides HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP bind port (overrides PORT)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func buildHealthcheckCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check a running instance's /health endpoint",
		Long:  `One-shot HTTP GET against a running instance's /health endpoint, for container orchestrator liveness/readiness probes. Exits non-zero if the request fails or the instance doesn't report healthy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8000", "Base URL of the instance to probe")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "swarmengine %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}
