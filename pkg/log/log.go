// Package log owns the process-wide structured logger. Components hold
// scoped *slog.Logger values from WithModule/WithWorkflow; the level is
// global and toggled through SetDebug.
package log

import (
	"log/slog"
	"os"
)

var (
	level slog.LevelVar
	base  = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
)

// SetDebug switches the process logger between debug and info level.
func SetDebug(enabled bool) {
	if enabled {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// Info logs on the process logger, for call sites without a scoped logger.
func Info(msg string, args ...any) { base.Info(msg, args...) }

// WithModule returns a logger scoped to one subsystem.
func WithModule(module string) *slog.Logger {
	return base.With(slog.String("module", module))
}

// WithWorkflow returns a logger scoped to a single workflow instance.
func WithWorkflow(module, workflowID string) *slog.Logger {
	return base.With(
		slog.String("module", module),
		slog.String("workflow_id", workflowID),
	)
}
