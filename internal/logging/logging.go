// Package logging configures log/slog for the strata daemon. Every
// subsystem logs through a component logger so one grep isolates one
// subsystem's output.
package logging

import (
	"log/slog"
	"os"
)

// Logger is the process-wide logger. Nil until Init; Component falls
// back to sane defaults so library code never has to check.
var Logger *slog.Logger

// Init installs the process logger at the given level. JSON output is
// for production collectors, text for operators. Debug level also
// records source positions.
func Init(level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler installs the process logger over a custom handler.
// Tests use it to capture output.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Component returns a logger tagged with the subsystem name.
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}
