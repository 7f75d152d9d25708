// Package logging configures the process-wide slog handler: tint for an
// interactive terminal, plain JSON when running under systemd, where the
// journal already timestamps every line.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps the config/CLI log-level string onto a slog.Level,
// defaulting to Info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger at level, pre-tagged with a "component" attribute,
// using tint under an interactive terminal or plain JSON under systemd
// (detected via INVOCATION_ID, which systemd sets on every unit it
// starts).
func New(level slog.Level, component string) *slog.Logger {
	return slog.New(handler(level)).With("component", component)
}

func handler(level slog.Level) slog.Handler {
	underSystemd := os.Getenv("INVOCATION_ID") != ""
	if underSystemd {
		return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}

// SetDefault installs a logger built the same way as New as the
// process-wide slog default, for packages that reach for slog.Default()
// rather than taking a *slog.Logger explicitly.
func SetDefault(level slog.Level) {
	slog.SetDefault(slog.New(handler(level)))
}
