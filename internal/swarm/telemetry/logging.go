package telemetry

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewLogger builds the engine's slog.Logger: JSON to stderr in production,
// or a human-readable text handler when levelName is "debug" and stdout
// looks like a terminal, matching how a developer actually runs this
// locally versus how it runs under a supervisor.
func NewLogger(levelName string) *slog.Logger {
	level := parseLevel(levelName)

	if level == slog.LevelDebug && isTerminal(os.Stdout) {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
