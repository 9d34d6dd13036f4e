package engine

import (
	"context"
	"fmt"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/store"
)

// Service is the interface presentation and automation layers consume.
// Every mutation returns an error whose message is suitable for direct
// display; reads come back as detached snapshots.
type Service interface {
	CreatePlan(ctx context.Context, p *plan.Plan) error
	Start(ctx context.Context, planID string) error
	Pause(ctx context.Context, planID string) error
	Resume(ctx context.Context, planID string) error
	Retry(ctx context.Context, planID, nodeID string, resumeSession bool) error
	Cancel(ctx context.Context, planID string) error
	Delete(ctx context.Context, planID string) error
	ForceFailNode(ctx context.Context, planID, nodeID string) error
	Snapshot(planID string) (*PlanSnapshot, error)
	ListPlans() []string
}

var _ Service = (*Engine)(nil)

// CreatePlan validates and registers a new plan, persists it, and takes
// its advisory lock. The plan starts pending, or pending-start when it
// was authored with pause-on-create.
func (e *Engine) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID == "" {
		p.ID = plan.NewPlanID()
	}
	p.RebuildEdges()
	if err := p.Validate(); err != nil {
		return fmt.Errorf("plan %q is not valid: %w", p.Spec.Name, err)
	}
	if p.Spec.MaxParallel <= 0 {
		p.Spec.MaxParallel = e.cfg.DefaultMaxParallel
	}
	if p.Spec.Cleanup == "" {
		p.Spec.Cleanup = e.cfg.Cleanup
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now()
	}

	if p.States == nil {
		p.States = make(map[string]*plan.ExecutionState, len(p.Nodes))
	}
	for id := range p.Nodes {
		if _, ok := p.States[id]; !ok {
			p.States[id] = &plan.ExecutionState{Status: plan.NodePending}
		}
	}
	p.Status = plan.PlanPending
	if p.Spec.PauseOnCreate {
		p.Status = plan.PlanPendingStart
	}
	p.RollupGroups()

	git, err := e.gitFor(p.RepoPath)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", p.RepoPath, err)
	}

	for id, n := range p.Nodes {
		for _, ph := range []plan.Phase{plan.PhasePrechecks, plan.PhaseWork, plan.PhasePostchecks} {
			if spec := n.SpecFor(ph); spec != nil {
				if err := e.store.WriteSpec(p.ID, id, ph, spec); err != nil {
					return fmt.Errorf("persist %s spec for node %s: %w", ph, id, err)
				}
			}
		}
	}

	lock, err := e.store.AcquireLock(p.ID, e.log)
	if err != nil {
		return fmt.Errorf("lock plan %s: %w", p.ID, err)
	}

	meta := store.Serialize(p, e.store)
	if err := e.store.WriteMetadata(meta); err != nil {
		lock.Release()
		return fmt.Errorf("persist plan %s: %w", p.ID, err)
	}

	e.mu.Lock()
	e.plans[p.ID] = &activePlan{
		plan:    p,
		git:     git,
		lock:    lock,
		prior:   meta,
		cancels: make(map[string]context.CancelFunc),
	}
	e.mu.Unlock()

	e.log.WithPlan(p.ID).Info("plan created", "name", p.Spec.Name, "nodes", len(p.Nodes))
	return nil
}

// Start begins (or releases a held) plan: it captures the base commit
// once, creates the snapshot branch that accumulates merge-back results,
// and makes the plan schedulable.
func (e *Engine) Start(ctx context.Context, planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ap, ok := e.plans[planID]
	if !ok {
		return fmt.Errorf("plan %s: %w", planID, gerrors.ErrPlanNotFound)
	}
	p := ap.plan

	switch p.Status {
	case plan.PlanPending, plan.PlanPendingStart:
	default:
		return fmt.Errorf("plan %s cannot start from status %s: %w", planID, p.Status, gerrors.ErrPlanNotRunnable)
	}

	if p.BaseCommit == "" {
		base, err := ap.git.ResolveRef(ctx, p.Spec.BaseBranch)
		if err != nil {
			return fmt.Errorf("resolve base branch %q: %w", p.Spec.BaseBranch, err)
		}
		p.BaseCommit = base
	}

	if p.Snapshot == nil {
		name := fmt.Sprintf("gantry/snapshot/%s", p.ID)
		if err := ap.git.UpdateRef(ctx, name, p.BaseCommit); err != nil {
			return fmt.Errorf("create snapshot branch %q: %w", name, err)
		}
		p.Snapshot = &plan.SnapshotBranch{Name: name, BaseCommit: p.BaseCommit}
	}

	if p.Status == plan.PlanPendingStart {
		p.Status = plan.PlanPending
	}
	p.Touch()
	ap.dirty = true
	e.log.WithPlan(planID).Info("plan started", "base", p.BaseCommit)
	return nil
}

// Pause stops admission; running nodes and their worktrees are left
// untouched, and the plan settles into paused once they drain.
func (e *Engine) Pause(ctx context.Context, planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ap, ok := e.plans[planID]
	if !ok {
		return fmt.Errorf("plan %s: %w", planID, gerrors.ErrPlanNotFound)
	}
	p := ap.plan
	if p.Paused {
		return nil
	}
	if p.Status != plan.PlanRunning && p.Status != plan.PlanPending {
		return fmt.Errorf("plan %s cannot pause from status %s", planID, p.Status)
	}

	p.Paused = true
	if e.runningCount(p) > 0 {
		p.Status = plan.PlanPausing
	} else {
		p.Status = plan.PlanPaused
	}
	p.Touch()
	ap.dirty = true
	return nil
}

// Resume re-admits ready nodes into scheduling.
func (e *Engine) Resume(ctx context.Context, planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ap, ok := e.plans[planID]
	if !ok {
		return fmt.Errorf("plan %s: %w", planID, gerrors.ErrPlanNotFound)
	}
	p := ap.plan
	if !p.Paused {
		return nil
	}
	p.Paused = false
	p.Status = plan.PlanRunning
	p.DeriveStatus()
	p.Touch()
	ap.dirty = true
	return nil
}

// Retry resets a failed node (or, with an empty node ID, every failed
// node) for a fresh user-visible attempt, unblocking its descendants.
// With resumeSession set, agent work resumes its previous conversation.
func (e *Engine) Retry(ctx context.Context, planID, nodeID string, resumeSession bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ap, ok := e.plans[planID]
	if !ok {
		return fmt.Errorf("plan %s: %w", planID, gerrors.ErrPlanNotFound)
	}
	p := ap.plan

	var targets []string
	if nodeID != "" {
		id, ok := p.ResolveRef(nodeID)
		if !ok {
			return fmt.Errorf("node %s: %w", nodeID, gerrors.ErrNodeNotFound)
		}
		st := p.States[id]
		if st.Status != plan.NodeFailed && st.Status != plan.NodeCanceled {
			return fmt.Errorf("node %s is %s: %w", id, st.Status, gerrors.ErrNodeNotRetryable)
		}
		targets = []string{id}
	} else {
		for id, st := range p.States {
			if st.Status == plan.NodeFailed || st.Status == plan.NodeCanceled {
				targets = append(targets, id)
			}
		}
		if len(targets) == 0 {
			return fmt.Errorf("plan %s has no failed nodes: %w", planID, gerrors.ErrNodeNotRetryable)
		}
	}

	for _, id := range targets {
		st := p.States[id]
		st.ResetForRetry()
		if resumeSession {
			e.markAgentResume(p.Nodes[id])
		} else {
			st.AgentSessionID = ""
		}
	}

	// A blocked descendant of a retried node must become schedulable
	// again once its ancestors succeed.
	for _, st := range p.States {
		if st.Status == plan.NodeBlocked {
			st.ResetForRetry()
		}
	}

	if p.Status == plan.PlanFailed {
		p.Status = plan.PlanRunning
	}
	ap.finalized = false
	p.Touch()
	ap.dirty = true
	e.log.WithPlan(planID).Info("retry requested", "nodes", len(targets))
	return nil
}

// markAgentResume flags the node's agent work spec to resume its session.
func (e *Engine) markAgentResume(n *plan.Node) {
	if n != nil && n.Work != nil && n.Work.Agent != nil {
		n.Work.Agent.ResumeSession = true
	}
}

// Cancel aborts the whole plan: running nodes get their contexts
// canceled, everything non-terminal moves to canceled. Idempotent.
func (e *Engine) Cancel(ctx context.Context, planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ap, ok := e.plans[planID]
	if !ok {
		return fmt.Errorf("plan %s: %w", planID, gerrors.ErrPlanNotFound)
	}
	p := ap.plan

	for _, cancel := range ap.cancels {
		cancel()
	}
	for id, st := range p.States {
		if st.Status.IsTerminal() {
			continue
		}
		if st.Status == plan.NodeRunning {
			// The execution goroutine observes the canceled context at
			// the next phase boundary and records the terminal status.
			continue
		}
		st.LastError = "canceled"
		st.FailureReason = plan.FailureUserCanceled
		e.transitionNode(ap, id, plan.NodeCanceled, "plan canceled")
	}
	p.Paused = false
	p.DeriveStatus()
	ap.dirty = true
	return nil
}

// Delete removes a plan from the engine and from disk. Running plans must
// be canceled first.
func (e *Engine) Delete(ctx context.Context, planID string) error {
	e.mu.Lock()
	ap, ok := e.plans[planID]
	if ok {
		p := ap.plan
		if e.runningCount(p) > 0 {
			e.mu.Unlock()
			return fmt.Errorf("plan %s has running nodes; cancel it first", planID)
		}
		if ap.lock != nil {
			ap.lock.Release()
		}
		delete(e.plans, planID)
	}
	e.mu.Unlock()

	if !e.store.PlanExists(planID) && !ok {
		return fmt.Errorf("plan %s: %w", planID, gerrors.ErrPlanNotFound)
	}
	if err := e.store.DeletePlan(planID); err != nil {
		return fmt.Errorf("delete plan %s: %w", planID, err)
	}
	return nil
}

// ForceFailNode forces a node out of the schedule: a scheduled or running
// node is failed with a user-canceled reason (its process context
// canceled), a pending or ready node is canceled outright.
func (e *Engine) ForceFailNode(ctx context.Context, planID, nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ap, ok := e.plans[planID]
	if !ok {
		return fmt.Errorf("plan %s: %w", planID, gerrors.ErrPlanNotFound)
	}
	p := ap.plan
	id, ok := p.ResolveRef(nodeID)
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, gerrors.ErrNodeNotFound)
	}
	st := p.States[id]

	switch st.Status {
	case plan.NodeScheduled, plan.NodeRunning:
		if cancel, ok := ap.cancels[id]; ok {
			cancel()
			delete(ap.cancels, id)
		}
		now := e.now()
		st.FinishedAt = &now
		st.PID = 0
		st.LastError = "force-failed by operator"
		st.FailureReason = plan.FailureUserCanceled
		e.transitionNode(ap, id, plan.NodeFailed, "force-failed")
	case plan.NodePending, plan.NodeReady:
		st.LastError = "force-failed by operator"
		st.FailureReason = plan.FailureUserCanceled
		e.transitionNode(ap, id, plan.NodeCanceled, "force-failed")
	default:
		return fmt.Errorf("node %s is already %s", id, st.Status)
	}
	ap.dirty = true
	return nil
}

// ListPlans returns the IDs of every active plan.
func (e *Engine) ListPlans() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.plans))
	for id := range e.plans {
		ids = append(ids, id)
	}
	return ids
}

// LoadPlans recovers persisted plans into the engine after a restart.
// Nodes claimed but never started are failed as crashed; running nodes
// keep their status and fall to the watchdog when their PID is dead.
func (e *Engine) LoadPlans(ctx context.Context) error {
	if migrated, err := e.store.MigrateLegacyPlans(); err != nil {
		e.log.Warn("legacy plan migration failed", "error", err)
	} else if len(migrated) > 0 {
		e.log.Info("migrated legacy plans", "count", len(migrated))
	}

	ids, err := e.store.ListPlans()
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}

	for _, id := range ids {
		if err := e.loadPlan(ctx, id); err != nil {
			e.log.WithPlan(id).Error("plan recovery failed", "error", err)
		}
	}
	return nil
}

func (e *Engine) loadPlan(ctx context.Context, planID string) error {
	meta, err := e.store.ReadMetadata(planID)
	if err != nil {
		return err
	}
	p, err := store.Reconstruct(meta)
	if err != nil {
		return err
	}

	// Metadata carries only HasSpec flags; the spec documents themselves
	// live beside it in the store and must be rehydrated before any node
	// executes, or recovered work would silently skip.
	for id, n := range p.Nodes {
		nm := meta.NodeMeta(id)
		for _, ph := range []plan.Phase{plan.PhasePrechecks, plan.PhaseWork, plan.PhasePostchecks} {
			if nm == nil || !nm.HasSpec[ph] || n.SpecFor(ph) != nil {
				continue
			}
			spec, err := e.store.ReadSpec(planID, id, ph)
			if err != nil {
				return fmt.Errorf("load %s spec for node %s: %w", ph, id, err)
			}
			switch ph {
			case plan.PhasePrechecks:
				n.Prechecks = spec
			case plan.PhaseWork:
				n.Work = spec
			case plan.PhasePostchecks:
				n.Postchecks = spec
			}
		}
	}

	lock, err := e.store.AcquireLock(planID, e.log)
	if err != nil {
		return fmt.Errorf("plan is locked by another instance: %w", err)
	}

	git, err := e.gitFor(p.RepoPath)
	if err != nil {
		lock.Release()
		return err
	}

	ap := &activePlan{
		plan:    p,
		git:     git,
		lock:    lock,
		prior:   meta,
		cancels: make(map[string]context.CancelFunc),
	}

	// The claim on a scheduled node died with the previous process.
	for id, st := range p.States {
		if st.Status == plan.NodeScheduled {
			now := e.now()
			st.FinishedAt = &now
			st.LastError = "engine restarted before execution began"
			st.FailureReason = plan.FailureCrashed
			st.SetStatus(id, plan.NodeFailed)
			ap.dirty = true
		}
	}

	e.mu.Lock()
	e.plans[planID] = ap
	e.mu.Unlock()

	e.log.WithPlan(planID).Info("plan recovered", "status", p.Status, "nodes", len(p.Nodes))
	return nil
}
