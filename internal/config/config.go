// Package config holds the viper-backed gantry configuration: engine
// tunables, storage paths, agent backend options, and logging. Values come
// from config.yaml, GANTRY_* environment variables, and defaults, in that
// order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete gantry configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// EngineConfig controls the scheduler.
type EngineConfig struct {
	// PumpIntervalMs is the scheduler tick period in milliseconds.
	PumpIntervalMs int `mapstructure:"pump_interval_ms"`
	// WatchdogEveryTicks runs the process liveness watchdog every N ticks.
	WatchdogEveryTicks int `mapstructure:"watchdog_every_ticks"`
	// DefaultMaxParallel applies to plans that set no limit of their own.
	DefaultMaxParallel int `mapstructure:"default_max_parallel"`
	// GlobalLimit bounds running nodes across all plans and gantry
	// instances sharing the data directory.
	GlobalLimit int `mapstructure:"global_limit"`
	// Cleanup is the default worktree cleanup policy:
	// "always", "on-success", or "never".
	Cleanup string `mapstructure:"cleanup"`
}

// PathsConfig controls where gantry stores data.
type PathsConfig struct {
	// DataDir is the persistent root for plan metadata, specs, locks, and
	// the capacity registry. Supports ~ expansion.
	DataDir string `mapstructure:"data_dir"`
	// WorktreeDir is where node worktrees are created. If empty, defaults
	// to ".gantry/worktrees" relative to the repository root.
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// AgentConfig controls the AI agent backend.
type AgentConfig struct {
	// Command is the agent CLI executable (default: "claude").
	Command string `mapstructure:"command"`
	// Model optionally overrides the backend's default model.
	Model string `mapstructure:"model"`
	// SkipPermissions passes the backend's permission bypass flag.
	SkipPermissions bool `mapstructure:"skip_permissions"`
}

// LoggingConfig controls debug logging.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// File is the log destination. Empty logs to <data_dir>/debug.log.
	File string `mapstructure:"file"`
}

// PumpInterval returns the tick period as a duration.
func (c *EngineConfig) PumpInterval() time.Duration {
	return time.Duration(c.PumpIntervalMs) * time.Millisecond
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			PumpIntervalMs:     2000,
			WatchdogEveryTicks: 5,
			DefaultMaxParallel: 3,
			GlobalLimit:        8,
			Cleanup:            "on-success",
		},
		Paths: PathsConfig{
			DataDir: "~/.gantry",
		},
		Agent: AgentConfig{
			Command:         "claude",
			SkipPermissions: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers the default values with viper so they apply even
// without a config file.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("engine.pump_interval_ms", defaults.Engine.PumpIntervalMs)
	viper.SetDefault("engine.watchdog_every_ticks", defaults.Engine.WatchdogEveryTicks)
	viper.SetDefault("engine.default_max_parallel", defaults.Engine.DefaultMaxParallel)
	viper.SetDefault("engine.global_limit", defaults.Engine.GlobalLimit)
	viper.SetDefault("engine.cleanup", defaults.Engine.Cleanup)

	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)

	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.model", defaults.Agent.Model)
	viper.SetDefault("agent.skip_permissions", defaults.Agent.SkipPermissions)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
}

// Load reads the configuration from viper and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when
// loading fails.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the user's gantry config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "gantry")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gantry"
	}
	return filepath.Join(home, ".config", "gantry")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ResolveDataDir expands the configured data directory, resolving a
// leading ~ against the user's home.
func (p *PathsConfig) ResolveDataDir() string {
	return expandHome(p.DataDir)
}

// ResolveWorktreeDir resolves the worktree directory against a repository
// root when the configured value is empty or relative.
func (p *PathsConfig) ResolveWorktreeDir(repoRoot string) string {
	dir := expandHome(p.WorktreeDir)
	if dir == "" {
		return filepath.Join(repoRoot, ".gantry", "worktrees")
	}
	if !filepath.IsAbs(dir) {
		return filepath.Join(repoRoot, dir)
	}
	return dir
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
