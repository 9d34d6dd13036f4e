package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config field path, e.g. "engine.global_limit"
	Value   any    // the invalid value
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the recognized log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidCleanupPolicies returns the recognized worktree cleanup policies.
func ValidCleanupPolicies() []string {
	return []string{"always", "on-success", "never"}
}

// Validate checks the Config and returns every validation error found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Engine.PumpIntervalMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "engine.pump_interval_ms",
			Value:   c.Engine.PumpIntervalMs,
			Message: "must be at least 100",
		})
	}
	if c.Engine.WatchdogEveryTicks < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.watchdog_every_ticks",
			Value:   c.Engine.WatchdogEveryTicks,
			Message: "must be at least 1",
		})
	}
	if c.Engine.DefaultMaxParallel < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.default_max_parallel",
			Value:   c.Engine.DefaultMaxParallel,
			Message: "must be at least 1",
		})
	}
	if c.Engine.GlobalLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.global_limit",
			Value:   c.Engine.GlobalLimit,
			Message: "must be at least 1",
		})
	}
	if !slices.Contains(ValidCleanupPolicies(), c.Engine.Cleanup) {
		errs = append(errs, ValidationError{
			Field:   "engine.cleanup",
			Value:   c.Engine.Cleanup,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCleanupPolicies(), ", ")),
		})
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		errs = append(errs, ValidationError{
			Field:   "paths.data_dir",
			Value:   c.Paths.DataDir,
			Message: "cannot be empty",
		})
	}
	if strings.TrimSpace(c.Agent.Command) == "" {
		errs = append(errs, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "cannot be empty",
		})
	}
	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errs
}
