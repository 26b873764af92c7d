package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture swaps the process logger for a buffer-backed one for the duration
// of a test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := base
	base = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: &level}))
	t.Cleanup(func() { base = prev })
	return &buf
}

func TestSetDebugTogglesLevel(t *testing.T) {
	buf := capture(t)

	SetDebug(false)
	base.Debug("hidden")
	assert.Empty(t, buf.String())
	assert.False(t, base.Enabled(context.Background(), slog.LevelDebug))

	SetDebug(true)
	base.Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	SetDebug(false)
	assert.False(t, base.Enabled(context.Background(), slog.LevelDebug))
}

func TestScopedLoggersCarryAttributes(t *testing.T) {
	buf := capture(t)

	WithModule("engine").Info("started")
	out := buf.String()
	require.Contains(t, out, "module=engine")

	buf.Reset()
	WithWorkflow("engine", "wf_deadbeef").Warn("slow step")
	out = buf.String()
	assert.Contains(t, out, "module=engine")
	assert.Contains(t, out, "workflow_id=wf_deadbeef")
}

func TestInfoUsesProcessLogger(t *testing.T) {
	buf := capture(t)

	Info("serving", "dir", "/tmp/workflows")
	out := buf.String()
	assert.Contains(t, out, "serving")
	assert.Contains(t, out, "dir=/tmp/workflows")
}
