package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gantryhq/gantry/internal/engine/phase"
	"github.com/gantryhq/gantry/internal/event"
	"github.com/gantryhq/gantry/internal/plan"
)

// finalizePlan runs once when a plan reaches a settled status: the
// plan-level verification against the integration ref, the fast-forward
// of the target branch to the accumulated snapshot, and the worktree
// cleanup policy. Verification failure demotes the plan to failed; a
// cleanup failure is only logged.
func (e *Engine) finalizePlan(ctx context.Context, ap *activePlan) {
	e.mu.Lock()
	p := ap.plan
	status := p.Status
	e.mu.Unlock()

	log := e.log.WithPlan(p.ID)

	if status == plan.PlanSucceeded {
		pc := &phase.Context{
			Plan:      p,
			Git:       ap.git,
			Spawner:   e.spawner,
			Delegator: e.delegator,
			Log:       log,
		}

		ap.refMu.Lock()
		res := phase.Verify(ctx, pc)
		ap.refMu.Unlock()

		if !res.Success {
			log.Error("plan verification failed", "message", res.Message)
			status = e.demotePlan(ap)
		} else if err := e.publishSnapshot(ctx, ap); err != nil {
			log.Error("target branch update failed", "error", err)
			status = e.demotePlan(ap)
		}
	}

	e.cleanupWorktrees(ctx, ap, status)
	e.markDirty(ap)
	log.Info("plan finalized", "status", status)
}

// demotePlan fails a plan during finalization. The pump skips status
// derivation once a plan is finalized, so this verdict holds until an
// explicit retry.
func (e *Engine) demotePlan(ap *activePlan) plan.PlanStatus {
	e.mu.Lock()
	p := ap.plan
	from := p.Status
	p.Status = plan.PlanFailed
	p.History = append(p.History, plan.StatusChange{From: from, To: plan.PlanFailed, At: e.now()})
	p.Touch()
	ap.dirty = true
	e.mu.Unlock()

	e.bus.Publish(event.NewPlanStatusEvent(p.ID, from, plan.PlanFailed))
	return plan.PlanFailed
}

// publishSnapshot fast-forwards the target branch to the snapshot
// branch's accumulated result.
func (e *Engine) publishSnapshot(ctx context.Context, ap *activePlan) error {
	p := ap.plan
	if p.Snapshot == nil || p.Snapshot.Name == p.Spec.TargetBranch {
		return nil
	}
	head, err := ap.git.ResolveRef(ctx, p.Snapshot.Name)
	if err != nil {
		return err
	}
	return ap.git.UpdateRef(ctx, p.Spec.TargetBranch, head)
}

// cleanupWorktrees applies the plan's cleanup policy to every node
// worktree. Best effort throughout.
func (e *Engine) cleanupWorktrees(ctx context.Context, ap *activePlan, status plan.PlanStatus) {
	p := ap.plan

	policy := p.Spec.Cleanup
	if policy == "" {
		policy = e.cfg.Cleanup
	}
	switch policy {
	case plan.CleanupNever:
		return
	case plan.CleanupOnSuccess:
		if status != plan.PlanSucceeded {
			return
		}
	case plan.CleanupAlways:
	}

	log := e.log.WithPlan(p.ID)
	for id, st := range p.States {
		if st.WorktreePath == "" {
			continue
		}
		if err := ap.git.RemoveWorktree(ctx, st.WorktreePath); err != nil {
			log.Warn("worktree cleanup failed", "node", id, "path", st.WorktreePath, "error", err)
			continue
		}
		e.mu.Lock()
		st.WorktreePath = ""
		st.Touch()
		e.mu.Unlock()
	}

	// The per-plan directory under the worktree root is empty once all
	// node worktrees are gone.
	if p.WorktreeRoot != "" {
		_ = os.Remove(filepath.Join(p.WorktreeRoot, p.ID))
	}
}
