package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer func() { _ = os.Chdir(cwd) }()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.Debug)
	assert.Equal(t, "./workflows", cfg.WorkflowDir)
	assert.Equal(t, 20, cfg.Engine.MaxActiveWorkflows)
	assert.Equal(t, 300, cfg.Engine.WorkflowTimeoutSeconds)
	assert.Equal(t, 25, cfg.Engine.MaxIterations)
	assert.Equal(t, 10, cfg.Engine.MaxParallel)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	content := `
debug: true
workflow_dir: /srv/workflows
engine:
  max_active_workflows: 3
  workflow_timeout_seconds: 60
  breaker_threshold: 5
scheduler:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "/srv/workflows", cfg.WorkflowDir)
	assert.Equal(t, 3, cfg.Engine.MaxActiveWorkflows)
	assert.Equal(t, 60, cfg.Engine.WorkflowTimeoutSeconds)
	assert.EqualValues(t, 5, cfg.Engine.BreakerThreshold)
	// Unset keys keep their defaults.
	assert.Equal(t, 25, cfg.Engine.MaxIterations)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestToEngineConversion(t *testing.T) {
	ec := EngineConfig{
		MaxActiveWorkflows:     7,
		WorkflowTimeoutSeconds: 120,
		MaxIterations:          10,
		MaxParallel:            4,
		RecoveryTimeoutSeconds: 15,
		BreakerThreshold:       2,
		BreakerCooldownSeconds: 30,
	}
	cfg := ec.ToEngine()
	assert.Equal(t, 7, cfg.MaxActiveWorkflows)
	assert.Equal(t, 120*time.Second, cfg.DefaultWorkflowTimeout)
	assert.Equal(t, 10, cfg.DefaultMaxIterations)
	assert.Equal(t, 4, cfg.DefaultMaxParallel)
	assert.Equal(t, 15*time.Second, cfg.RecoveryTimeout)
	assert.EqualValues(t, 2, cfg.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
}
