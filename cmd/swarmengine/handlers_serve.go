package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeforge/swarmengine/internal/swarm/config"
	"github.com/codeforge/swarmengine/internal/swarm/httpapi"
	"github.com/codeforge/swarmengine/internal/swarm/llm"
	"github.com/codeforge/swarmengine/internal/swarm/sandbox"
	"github.com/codeforge/swarmengine/internal/swarm/taskrun"
	"github.com/codeforge/swarmengine/internal/swarm/telemetry"
)

const shutdownGrace = 15 * time.Second

func runServe(cmd *cobra.Command, hostFlag string, portFlag int, debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if debug {
		cfg.LogLevel = slog.LevelDebug
	}

	logger := telemetry.NewLogger(strings.ToLower(cfg.LogLevel.String()))
	slog.SetDefault(logger)

	if !cfg.IsLoopbackOnly() {
		logger.Warn("binding to a non-loopback address",
			"host", cfg.Host, "auth_token_set", cfg.AuthToken != "")
	}

	metrics := telemetry.NewMetrics()
	tracer := telemetry.NewTracer(nil, "swarmengine")

	llmClient, err := llm.New(cfg.GeminiBaseURL, cfg.GeminiKeys, logger)
	if err != nil {
		return fmt.Errorf("construct llm client: %w", err)
	}
	llmClient.SetMetrics(metrics)

	engine, err := sandbox.NewEngine()
	if err != nil {
		return fmt.Errorf("construct sandbox engine: %w", err)
	}

	runtime := taskrun.New(taskrun.Config{
		ModelName:          cfg.GeminiModelName,
		SandboxImage:       cfg.SandboxImage,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		SweepSchedule:      cfg.SweepSchedule,
		HostPID:            cfg.HostPID,
		Metrics:            metrics,
		Tracer:             tracer,
	}, engine, llmClient, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runtime.Start(ctx)

	server := httpapi.New(httpapi.Config{
		Runtime:       runtime,
		CompletionLLM: llmClient,
		FastModelName: cfg.FastModelName,
		AuthToken:     cfg.AuthToken,
		Metrics:       metrics,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("swarmengine listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutdown signal received, draining connections")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	runtime.Stop(shutdownCtx)

	logger.Info("swarmengine stopped gracefully")
	return nil
}

func runHealthcheck(cmd *cobra.Command, addr string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instance unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}
