// Package config loads the engine's runtime configuration from the process
// environment. There is deliberately no file-based layer here: the engine is
// a single stateless process and every setting it needs has a one-to-one
// environment variable.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the engine's immutable runtime configuration, parsed once at
// startup by Load.
type Config struct {
	// Host is the HTTP bind address. Anything other than loopback triggers a
	// startup warning.
	Host string
	// Port is the HTTP bind port.
	Port int
	// HostPID is the parent process id the liveness monitor watches. Zero
	// disables the suicide pact.
	HostPID int
	// DataDir is the root for any on-disk state (logs, the embedding store).
	DataDir string

	// GeminiKeys is the rotator's credential pool, already split and
	// filtered of empty entries.
	GeminiKeys []string
	// GeminiBaseURL is the model endpoint base, overridable for tests.
	GeminiBaseURL string
	// GeminiModelName is the default model identifier sent with each call.
	GeminiModelName string
	// FastModelName is the lighter-weight model used for inline completion,
	// where latency matters more than the full workflow's reasoning depth.
	FastModelName string
	// AuthToken is the optional shared bearer required by the stream
	// endpoint. Empty disables auth.
	AuthToken string

	// LogLevel controls the slog handler's minimum level.
	LogLevel slog.Level

	// MaxConcurrentTasks bounds the admission semaphore.
	MaxConcurrentTasks int
	// SandboxImage is the pinned base image sandboxes are created from.
	SandboxImage string
	// SweepSchedule is a cron expression for the stale-stream sweeper.
	SweepSchedule string
}

const (
	defaultPort               = 8000
	defaultHost               = "127.0.0.1"
	defaultGeminiModelName    = "gemini-1.5-pro"
	defaultFastModelName      = "gemini-1.5-flash"
	defaultGeminiBaseURL      = "https://generativelanguage.googleapis.com"
	defaultMaxConcurrentTasks = 5
	defaultSandboxImage       = "python:3.11-slim"
	defaultSweepSchedule      = "*/10 * * * *"
)

// Load reads the process environment into a Config. It returns an error for
// any setting that is malformed or, for GeminiKeys, empty — a rotator with no
// credentials is a fatal startup condition (the FatalStartup error class),
// not something callers should discover on the first request.
func Load() (*Config, error) {
	cfg := &Config{
		Host:               getEnv("HOST", defaultHost),
		Port:               defaultPort,
		DataDir:            getEnv("SWARM_DATA_DIR", "."),
		GeminiBaseURL:      getEnv("GEMINI_BASE_URL", defaultGeminiBaseURL),
		GeminiModelName:    getEnv("GEMINI_MODEL_NAME", defaultGeminiModelName),
		FastModelName:      getEnv("GEMINI_FAST_MODEL_NAME", defaultFastModelName),
		AuthToken:          os.Getenv("GEMINI_AUTH_TOKEN"),
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		SandboxImage:       getEnv("SANDBOX_IMAGE", defaultSandboxImage),
		SweepSchedule:      getEnv("SWEEP_SCHEDULE", defaultSweepSchedule),
		LogLevel:           slog.LevelInfo,
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Port = port
	}

	if v := os.Getenv("HOST_PID"); v != "" {
		pid, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse HOST_PID: %w", err)
		}
		cfg.HostPID = pid
	}

	if v := os.Getenv("MAX_CONCURRENT_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse MAX_CONCURRENT_TASKS: %w", err)
		}
		cfg.MaxConcurrentTasks = n
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	keys, err := parseGeminiKeys(os.Getenv("GEMINI_API_KEYS"))
	if err != nil {
		return nil, fmt.Errorf("parse GEMINI_API_KEYS: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("GEMINI_API_KEYS must contain at least one credential")
	}
	cfg.GeminiKeys = keys

	return cfg, nil
}

// parseGeminiKeys mirrors the permissive-input precedence the credential
// loader this engine's config was modeled on uses: try a JSON array, then a
// single JSON string wrapped into a slice, then fall back to a raw
// comma-split. Whatever the source, empty entries are dropped.
func parseGeminiKeys(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var keys []string
	var asList []string
	if err := json.Unmarshal([]byte(raw), &asList); err == nil {
		keys = asList
	} else {
		var asString string
		if err := json.Unmarshal([]byte(raw), &asString); err == nil {
			keys = []string{asString}
		} else {
			keys = strings.Split(raw, ",")
		}
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			out = append(out, k)
		}
	}
	return out, nil
}

func parseLogLevel(v string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unrecognized level %q", v)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// IsLoopbackOnly reports whether Host binds only to the local machine.
func (c *Config) IsLoopbackOnly() bool {
	switch c.Host {
	case "127.0.0.1", "localhost", "::1":
		return true
	default:
		return false
	}
}

// Addr returns the HTTP listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SweepInterval is the fallback poll interval for when SweepSchedule cannot
// be parsed as a cron expression. The taskrun sweeper keeps its own copy of
// this value (fallbackSweepInterval in taskrun/sweeper.go).
const SweepInterval = 10 * time.Minute
