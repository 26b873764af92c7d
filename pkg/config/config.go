// Package config loads engine configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stepflow-go/stepflow/pkg/engine"
)

// Config is the full process configuration.
type Config struct {
	Debug       bool            `mapstructure:"debug"`
	WorkflowDir string          `mapstructure:"workflow_dir"`
	Engine      EngineConfig    `mapstructure:"engine"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
}

// EngineConfig holds the engine limits, expressed in file-friendly units.
type EngineConfig struct {
	MaxActiveWorkflows     int    `mapstructure:"max_active_workflows"`
	WorkflowTimeoutSeconds int    `mapstructure:"workflow_timeout_seconds"`
	MaxIterations          int    `mapstructure:"max_iterations"`
	MaxParallel            int    `mapstructure:"max_parallel"`
	RecoveryTimeoutSeconds int    `mapstructure:"recovery_timeout_seconds"`
	BreakerThreshold       uint32 `mapstructure:"breaker_threshold"`
	BreakerCooldownSeconds int    `mapstructure:"breaker_cooldown_seconds"`
}

// SchedulerConfig controls the cron trigger scheduler.
type SchedulerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxConcurrent int  `mapstructure:"max_concurrent"`
}

// EngineConfig converts the file form into the engine's config.
func (c EngineConfig) ToEngine() *engine.Config {
	return &engine.Config{
		MaxActiveWorkflows:     c.MaxActiveWorkflows,
		DefaultWorkflowTimeout: time.Duration(c.WorkflowTimeoutSeconds) * time.Second,
		DefaultMaxIterations:   c.MaxIterations,
		DefaultMaxParallel:     c.MaxParallel,
		RecoveryTimeout:        time.Duration(c.RecoveryTimeoutSeconds) * time.Second,
		BreakerThreshold:       c.BreakerThreshold,
		BreakerCooldown:        time.Duration(c.BreakerCooldownSeconds) * time.Second,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("workflow_dir", "./workflows")
	v.SetDefault("engine.max_active_workflows", 20)
	v.SetDefault("engine.workflow_timeout_seconds", 300)
	v.SetDefault("engine.max_iterations", 25)
	v.SetDefault("engine.max_parallel", 10)
	v.SetDefault("engine.recovery_timeout_seconds", 30)
	v.SetDefault("engine.breaker_threshold", 0)
	v.SetDefault("engine.breaker_cooldown_seconds", 60)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.max_concurrent", 5)
}

// Load reads configuration from configPath (or ./stepflow.yaml when empty),
// with STEPFLOW_* environment variables overriding file values. A missing
// default file is not an error; the defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigFile("stepflow.yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat("stepflow.yaml"); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
