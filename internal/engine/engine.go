// Package engine is the coordinator: it pumps the DAG on a fixed
// interval, computes readiness, admits nodes under the per-plan and
// global parallelism budgets, drives the phase protocol per node,
// applies auto-heal and retry policy, and runs the periodic liveness
// watchdog against crashed processes.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/capacity"
	"github.com/gantryhq/gantry/internal/event"
	"github.com/gantryhq/gantry/internal/gitops"
	"github.com/gantryhq/gantry/internal/logging"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/spawn"
	"github.com/gantryhq/gantry/internal/store"
)

// Config holds the engine's tunables.
type Config struct {
	// PumpInterval is the scheduler tick period.
	PumpInterval time.Duration

	// WatchdogEveryTicks runs the liveness watchdog every N ticks.
	WatchdogEveryTicks int

	// DefaultMaxParallel applies to plans that set no limit of their own.
	DefaultMaxParallel int

	// GlobalLimit bounds concurrently running nodes across all plans and
	// engine instances sharing the data directory.
	GlobalLimit int

	// InstanceID identifies this engine in the capacity registry.
	InstanceID string

	// DataDir is the engine's persistent root.
	DataDir string

	// Cleanup is the default worktree cleanup policy.
	Cleanup plan.CleanupPolicy
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		PumpInterval:       2 * time.Second,
		WatchdogEveryTicks: 5,
		DefaultMaxParallel: 3,
		GlobalLimit:        capacity.DefaultGlobalLimit,
		Cleanup:            plan.CleanupOnSuccess,
	}
}

// GitFactory opens a git provider for a repository path.
type GitFactory func(repoPath string) (gitops.Git, error)

// activePlan is a plan the engine currently manages, with its lock, its
// git provider, and the bookkeeping the pump needs.
type activePlan struct {
	plan *plan.Plan
	git  gitops.Git
	lock *store.Lock

	// prior is the last serialized metadata, used by the synchronous
	// teardown path that cannot probe the store.
	prior *store.PlanMetadata

	// refMu serializes merge-back updates to this plan's integration ref.
	refMu sync.Mutex

	// cancels maps running node IDs to their cancellation functions.
	cancels map[string]context.CancelFunc

	// finalized is set once the end-of-plan work (verification, target
	// fast-forward, cleanup) has run.
	finalized bool

	dirty bool
}

// Engine drives all active plans. Start/stop lifecycle is explicit; the
// clock and process table are injected so tests never rely on ambient
// timers or real PIDs.
type Engine struct {
	cfg       Config
	store     *store.Store
	spawner   spawn.Spawner
	delegator agent.Delegator
	procs     spawn.ProcessTable
	capacity  *capacity.Controller
	bus       *event.Bus
	log       *logging.Logger
	now       func() time.Time
	gitFor    GitFactory

	mu    sync.Mutex
	plans map[string]*activePlan
	ticks int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// Option configures the engine.
type Option func(*Engine)

func WithSpawner(s spawn.Spawner) Option        { return func(e *Engine) { e.spawner = s } }
func WithDelegator(d agent.Delegator) Option    { return func(e *Engine) { e.delegator = d } }
func WithProcessTable(p spawn.ProcessTable) Option {
	return func(e *Engine) { e.procs = p }
}
func WithBus(b *event.Bus) Option           { return func(e *Engine) { e.bus = b } }
func WithLogger(l *logging.Logger) Option   { return func(e *Engine) { e.log = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithGitFactory(f GitFactory) Option    { return func(e *Engine) { e.gitFor = f } }
func WithCapacity(c *capacity.Controller) Option {
	return func(e *Engine) { e.capacity = c }
}

// New creates an engine over a store.
func New(cfg Config, st *store.Store, opts ...Option) *Engine {
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = DefaultConfig().PumpInterval
	}
	if cfg.WatchdogEveryTicks <= 0 {
		cfg.WatchdogEveryTicks = DefaultConfig().WatchdogEveryTicks
	}
	if cfg.DefaultMaxParallel <= 0 {
		cfg.DefaultMaxParallel = DefaultConfig().DefaultMaxParallel
	}
	if cfg.Cleanup == "" {
		cfg.Cleanup = plan.CleanupOnSuccess
	}

	e := &Engine{
		cfg:     cfg,
		store:   st,
		plans:   make(map[string]*activePlan),
		now:     time.Now,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.NewNop()
	}
	if e.spawner == nil {
		e.spawner = &spawn.OSSpawner{}
	}
	if e.procs == nil {
		e.procs = spawn.OSProcessTable{}
	}
	if e.delegator == nil {
		e.delegator = agent.NewCLIDelegator(agent.Options{SkipPermissions: true}, e.spawner)
	}
	if e.bus == nil {
		e.bus = event.NewBus()
	}
	if e.capacity == nil {
		e.capacity = capacity.NewController(cfg.GlobalLimit, cfg.DataDir, cfg.InstanceID, e.procs)
	}
	if e.gitFor == nil {
		e.gitFor = func(repoPath string) (gitops.Git, error) {
			return gitops.NewRunner(repoPath, gitops.WithLogger(e.log))
		}
	}
	return e
}

// Bus exposes the engine's event bus for subscribers.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Run pumps until the context is canceled, then drains.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Close()
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Close waits for in-flight node work, persists every plan through the
// synchronous path, and releases locks and capacity.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.wg.Wait()

		e.mu.Lock()
		defer e.mu.Unlock()
		for _, ap := range e.plans {
			meta := store.SerializeSync(ap.plan, ap.prior)
			if err := e.store.WriteMetadata(meta); err != nil {
				e.log.Error("persist on shutdown failed", "plan", ap.plan.ID, "error", err)
			}
			if ap.lock != nil {
				ap.lock.Release()
			}
		}
		if err := e.capacity.Close(); err != nil {
			e.log.Warn("capacity registry close failed", "error", err)
		}
	})
}

// Drain blocks until every in-flight node goroutine has finished.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// Tick runs one scheduler pass. Exposed so tests can drive the pump with
// their own clock instead of a timer.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	e.ticks++
	runWatchdog := e.ticks%int64(e.cfg.WatchdogEveryTicks) == 0
	plans := make([]*activePlan, 0, len(e.plans))
	for _, ap := range e.plans {
		plans = append(plans, ap)
	}
	e.mu.Unlock()

	e.capacity.Heartbeat()

	sort.Slice(plans, func(i, j int) bool { return plans[i].plan.ID < plans[j].plan.ID })
	for _, ap := range plans {
		e.pumpPlan(ctx, ap, runWatchdog)
	}

	e.persistDirty()
}

// pumpPlan advances one plan: readiness, watchdog, admission, status
// derivation, and end-of-plan finalization.
func (e *Engine) pumpPlan(ctx context.Context, ap *activePlan, runWatchdog bool) {
	e.mu.Lock()
	p := ap.plan

	// A plan is schedulable only after Start captured its base commit;
	// held and still-authored plans are skipped entirely.
	if p.Status == plan.PlanPendingStart || p.Status == plan.PlanScaffolding ||
		(p.Status == plan.PlanPending && p.BaseCommit == "") {
		e.mu.Unlock()
		return
	}

	e.propagateReadiness(ap)
	if runWatchdog {
		e.watchdog(ap)
	}

	if p.Status == plan.PlanPausing && e.runningCount(p) == 0 {
		p.Status = plan.PlanPaused
		p.Touch()
		ap.dirty = true
	}

	var admitted []string
	if !p.Paused {
		admitted = e.admit(ap)
	}

	// Once finalization has run its verdict is sticky: the verification
	// or target publish may have demoted the plan to failed, and a
	// recount of the all-succeeded nodes must not resurrect it. Retry
	// clears the flag and re-enables derivation.
	before := p.Status
	after := before
	if !ap.finalized {
		after = p.DeriveStatus()
	}
	if before != after {
		ap.dirty = true
		e.bus.Publish(event.NewPlanStatusEvent(p.ID, before, after))
	}

	finalize := !ap.finalized && (after == plan.PlanSucceeded || after == plan.PlanFailed || after == plan.PlanCanceled)
	if finalize {
		ap.finalized = true
	}
	e.mu.Unlock()

	for _, nodeID := range admitted {
		e.launchNode(ctx, ap, nodeID)
	}
	if finalize {
		e.finalizePlan(ctx, ap)
	}
}

// propagateReadiness promotes pending nodes whose dependencies all
// succeeded and blocks, eagerly and transitively, every node with a
// terminally unsuccessful ancestor. An observer never sees a pending node
// whose ancestor has already failed.
func (e *Engine) propagateReadiness(ap *activePlan) {
	p := ap.plan
	for changed := true; changed; {
		changed = false
		for id, st := range p.States {
			if st.Status != plan.NodePending && st.Status != plan.NodeReady {
				continue
			}
			node := p.Nodes[id]
			allSucceeded := true
			anyDoomed := false
			for _, dep := range node.Dependencies {
				depState, ok := p.States[dep]
				if !ok {
					continue
				}
				switch depState.Status {
				case plan.NodeSucceeded:
				case plan.NodeFailed, plan.NodeBlocked, plan.NodeCanceled:
					anyDoomed = true
					allSucceeded = false
				default:
					allSucceeded = false
				}
			}

			switch {
			case anyDoomed:
				e.transitionNode(ap, id, plan.NodeBlocked, "dependency failed")
				changed = true
			case allSucceeded && st.Status == plan.NodePending:
				e.transitionNode(ap, id, plan.NodeReady, "dependencies satisfied")
				changed = true
			}
		}
	}
}

// watchdog probes running nodes recovered from a dead engine: ones that
// carry a PID but have no execution goroutine in this process. A dead PID
// on such a node means the process died unexpectedly: the node is forced
// to failed with a crashed reason, PID cleared, making it eligible for
// ordinary retry. Nodes this engine is actively driving are never probed;
// their PID outlives the spawned process while the goroutine finishes
// commit and merge-back, and the goroutine reports the real outcome.
func (e *Engine) watchdog(ap *activePlan) {
	p := ap.plan
	for id, st := range p.States {
		if st.Status != plan.NodeRunning || st.PID == 0 {
			continue
		}
		if _, inflight := ap.cancels[id]; inflight {
			continue
		}
		if e.procs.Alive(st.PID) {
			continue
		}
		pid := st.PID
		st.PID = 0
		st.LastError = fmt.Sprintf("process %d died unexpectedly (hibernate or crash)", pid)
		st.FailureReason = plan.FailureCrashed
		now := e.now()
		st.FinishedAt = &now
		e.transitionNode(ap, id, plan.NodeFailed, "watchdog: dead pid")
		e.bus.Publish(event.NewWatchdogEvent(p.ID, id, pid))
		e.log.WithPlan(p.ID).WithNode(id).Warn("watchdog forced failure", "pid", pid)
	}
}

// admit claims ready nodes up to the plan's maxParallel, additionally
// bounded by the global capacity. Returns the claimed node IDs.
func (e *Engine) admit(ap *activePlan) []string {
	p := ap.plan

	limit := p.Spec.MaxParallel
	if limit <= 0 {
		limit = e.cfg.DefaultMaxParallel
	}

	var ready []string
	for id, st := range p.States {
		if st.Status == plan.NodeReady {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var admitted []string
	for _, id := range ready {
		if e.runningCount(p) >= limit {
			break
		}
		if !e.capacity.TryAcquire() {
			break
		}
		st := p.States[id]
		now := e.now()
		st.ScheduledAt = &now
		e.transitionNode(ap, id, plan.NodeScheduled, "admitted")
		admitted = append(admitted, id)
	}
	return admitted
}

// runningCount counts nodes holding a parallelism slot.
func (e *Engine) runningCount(p *plan.Plan) int {
	n := 0
	for _, st := range p.States {
		if st.Status == plan.NodeScheduled || st.Status == plan.NodeRunning {
			n++
		}
	}
	return n
}

// transitionNode applies a node status change through the transition
// table, bumps versions, and publishes the change. Caller holds e.mu.
func (e *Engine) transitionNode(ap *activePlan, nodeID string, to plan.NodeStatus, reason string) {
	st := ap.plan.States[nodeID]
	from := st.Status
	st.SetStatus(nodeID, to)
	ap.plan.Touch()
	ap.dirty = true
	e.bus.Publish(event.NewNodeStateEvent(ap.plan.ID, nodeID, from, to, reason))
}

// persistDirty serializes every plan touched since the last pass.
func (e *Engine) persistDirty() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ap := range e.plans {
		if !ap.dirty {
			continue
		}
		meta := store.Serialize(ap.plan, e.store)
		if err := e.store.WriteMetadata(meta); err != nil {
			e.log.Error("persist failed", "plan", ap.plan.ID, "error", err)
			continue
		}
		ap.prior = meta
		ap.dirty = false
	}
}

// markDirty flags a plan for the next persistence pass.
func (e *Engine) markDirty(ap *activePlan) {
	e.mu.Lock()
	ap.dirty = true
	e.mu.Unlock()
}
