package phase

import (
	"context"
	"fmt"

	"github.com/gantryhq/gantry/internal/plan"
)

// MergeForward establishes the node's isolated execution environment: a
// fresh detached worktree at the node's base commit with every
// dependency's completed commit merged in, so the node sees its upstream
// results before work begins.
type MergeForward struct{}

func (MergeForward) Phase() plan.Phase { return plan.PhaseMergeForward }

func (MergeForward) Execute(ctx context.Context, pc *Context) Result {
	log := pc.Logger().WithPhase(plan.PhaseMergeForward.String())

	base := pc.Plan.BaseCommit
	if pc.Node.BaseBranch != "" {
		resolved, err := pc.Git.ResolveRef(ctx, pc.Node.BaseBranch)
		if err != nil {
			return failure(plan.FailureExecution, "resolve base branch %q: %v", pc.Node.BaseBranch, err)
		}
		base = resolved
	}
	if base == "" {
		resolved, err := pc.Git.ResolveRef(ctx, pc.Plan.Spec.BaseBranch)
		if err != nil {
			return failure(plan.FailureExecution, "resolve base branch %q: %v", pc.Plan.Spec.BaseBranch, err)
		}
		base = resolved
	}

	worktree := WorktreePath(pc.Plan, pc.Node.ID, pc.Attempt)
	if err := pc.Git.CreateDetachedWorktree(ctx, worktree, base); err != nil {
		return failure(plan.FailureExecution, "create worktree at %s: %v", shortSHA(base), err)
	}
	log.Debug("worktree created", "path", worktree, "base", shortSHA(base))

	for _, depID := range sortedDependencies(pc.Node) {
		depState, err := pc.Plan.State(depID)
		if err != nil {
			return failure(plan.FailureExecution, "dependency %s has no state: %v", depID, err)
		}
		if depState.CompletedCommit == "" {
			// Dependency succeeded without producing a commit
			// (expectsNoChanges); nothing to integrate.
			continue
		}
		msg := fmt.Sprintf("gantry: merge forward %s", depID)
		if err := pc.Git.Merge(ctx, worktree, depState.CompletedCommit, msg); err != nil {
			return failure(plan.FailureExecution, "merge forward %s (%s): %v",
				depID, shortSHA(depState.CompletedCommit), err)
		}
	}

	res := success()
	res.WorktreePath = worktree
	res.BaseCommit = base
	return res
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
