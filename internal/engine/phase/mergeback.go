package phase

import (
	"context"
	"fmt"

	"github.com/gantryhq/gantry/internal/plan"
)

// MergeBack integrates the node's completed commit into the shared
// integration ref (the snapshot branch when the plan carries one,
// otherwise the target branch). It works in a detached ephemeral worktree
// at the ref's current commit so the caller's live checkout is never
// touched, fast-forwards the ref to the merge result, and always removes
// the ephemeral worktree. The engine serializes merge-backs per ref;
// concurrent leaf merges are sequenced, never interleaved.
type MergeBack struct{}

func (MergeBack) Phase() plan.Phase { return plan.PhaseMergeBack }

func (MergeBack) Execute(ctx context.Context, pc *Context) (res Result) {
	log := pc.Logger().WithPhase(plan.PhaseMergeBack.String())

	if pc.State.CompletedCommit == "" {
		return skipped("no completed commit to merge back")
	}

	ref := IntegrationRef(pc.Plan)
	target, err := pc.Git.ResolveRef(ctx, ref)
	if err != nil {
		return failure(plan.FailureExecution, "resolve integration ref %q: %v", ref, err)
	}

	ephemeral := WorktreePath(pc.Plan, pc.Node.ID, pc.Attempt) + "-mergeback"
	if err := pc.Git.CreateDetachedWorktree(ctx, ephemeral, target); err != nil {
		return failure(plan.FailureExecution, "create merge worktree: %v", err)
	}
	defer func() {
		// Cleanup is best effort; it must never mask the merge result.
		if err := pc.Git.RemoveWorktree(context.WithoutCancel(ctx), ephemeral); err != nil {
			log.Warn("failed to remove merge worktree", "path", ephemeral, "error", err)
		}
	}()

	msg := fmt.Sprintf("gantry: merge back %s", firstNonEmpty(pc.Node.Name, pc.Node.ID))
	if err := pc.Git.Merge(ctx, ephemeral, pc.State.CompletedCommit, msg); err != nil {
		return failure(plan.FailureExecution, "merge %s into %s: %v",
			shortSHA(pc.State.CompletedCommit), ref, err)
	}

	head, err := pc.Git.Head(ctx, ephemeral)
	if err != nil {
		return failure(plan.FailureExecution, "read merge result: %v", err)
	}
	if err := pc.Git.UpdateRef(ctx, ref, head); err != nil {
		return failure(plan.FailureExecution, "fast-forward %s to %s: %v", ref, shortSHA(head), err)
	}

	log.Info("merged back", "ref", ref, "commit", shortSHA(head))
	res = success()
	res.Commit = head
	return res
}

// IntegrationRef names the branch merge-back targets for a plan.
func IntegrationRef(p *plan.Plan) string {
	if p.Snapshot != nil && p.Snapshot.Name != "" {
		return p.Snapshot.Name
	}
	return p.Spec.TargetBranch
}

// Verify runs the plan-level verification spec against the integration
// ref after the final merge-back. It resolves the ref's current commit,
// creates a detached ephemeral worktree there, runs the spec inside it,
// and, when the run itself changed files (an auto-heal fix, a formatter),
// stages, commits, and fast-forwards the ref to the new commit. The
// ephemeral worktree is removed unconditionally, even when verification
// fails; a cleanup failure is logged and never escalated.
func Verify(ctx context.Context, pc *Context) (res Result) {
	log := pc.Logger().WithPhase("verify")

	spec := pc.Plan.Spec.Verification
	if spec == nil {
		return skipped("no verification spec")
	}

	ref := IntegrationRef(pc.Plan)
	target, err := pc.Git.ResolveRef(ctx, ref)
	if err != nil {
		return failure(plan.FailureExecution, "resolve integration ref %q: %v", ref, err)
	}

	ephemeral := fmt.Sprintf("%s-verify", WorktreePath(pc.Plan, "plan", 1))
	if err := pc.Git.CreateDetachedWorktree(ctx, ephemeral, target); err != nil {
		return failure(plan.FailureExecution, "create verify worktree: %v", err)
	}
	defer func() {
		if err := pc.Git.RemoveWorktree(context.WithoutCancel(ctx), ephemeral); err != nil {
			log.Warn("failed to remove verify worktree", "path", ephemeral, "error", err)
		}
	}()

	verifyCtx := *pc
	verifyCtx.Worktree = ephemeral
	run := runSpec(ctx, &verifyCtx, spec, "verify")
	if !run.Success {
		return run
	}

	dirty, err := pc.Git.HasUncommittedChanges(ctx, ephemeral)
	if err != nil {
		return failure(plan.FailureExecution, "check verify worktree status: %v", err)
	}
	if dirty {
		if err := pc.Git.StageAll(ctx, ephemeral); err != nil {
			return failure(plan.FailureExecution, "stage verification changes: %v", err)
		}
		if err := pc.Git.Commit(ctx, ephemeral, "gantry: verification fixes"); err != nil {
			return failure(plan.FailureExecution, "commit verification changes: %v", err)
		}
		head, err := pc.Git.Head(ctx, ephemeral)
		if err != nil {
			return failure(plan.FailureExecution, "read verification result: %v", err)
		}
		if err := pc.Git.UpdateRef(ctx, ref, head); err != nil {
			return failure(plan.FailureExecution, "fast-forward %s to %s: %v", ref, shortSHA(head), err)
		}
		log.Info("verification produced fixes", "ref", ref, "commit", shortSHA(head))
		run.Commit = head
	}
	return run
}
