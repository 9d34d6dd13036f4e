package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/engine"
	"github.com/gantryhq/gantry/internal/logging"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/spawn"
	"github.com/gantryhq/gantry/internal/store"
)

// runtime bundles the pieces every command needs: configuration, the plan
// store, the logger, and an engine over them.
type runtime struct {
	cfg    *config.Config
	store  *store.Store
	log    *logging.Logger
	engine *engine.Engine
}

// openRuntime builds a runtime from the loaded configuration. The caller
// owns the returned runtime and must call close when done; close persists
// every loaded plan and releases its locks.
func openRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	dataDir := cfg.Paths.ResolveDataDir()
	st, err := store.New(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open data directory %s: %w", dataDir, err)
	}

	log, err := logging.NewLogger(dataDir, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	eng := engine.New(engineConfig(cfg, dataDir), st,
		engine.WithLogger(log),
		engine.WithDelegator(agent.NewCLIDelegator(agent.Options{
			Command:         cfg.Agent.Command,
			DefaultModel:    cfg.Agent.Model,
			SkipPermissions: cfg.Agent.SkipPermissions,
		}, &spawn.OSSpawner{})),
	)

	return &runtime{cfg: cfg, store: st, log: log, engine: eng}, nil
}

func (r *runtime) close() {
	r.engine.Close()
	_ = r.log.Close()
}

func engineConfig(cfg *config.Config, dataDir string) engine.Config {
	return engine.Config{
		PumpInterval:       cfg.Engine.PumpInterval(),
		WatchdogEveryTicks: cfg.Engine.WatchdogEveryTicks,
		DefaultMaxParallel: cfg.Engine.DefaultMaxParallel,
		GlobalLimit:        cfg.Engine.GlobalLimit,
		InstanceID:         instanceID(),
		DataDir:            dataDir,
		Cleanup:            plan.CleanupPolicy(cfg.Engine.Cleanup),
	}
}

// instanceID identifies this process in the shared capacity registry.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "gantry"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
