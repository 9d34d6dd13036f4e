// Package phase implements the per-phase executors of the node protocol:
// merge-forward, setup, prechecks, work, commit, postchecks, and
// merge-back, plus the plan-level verification run. Each executor is a
// pure function from a phase context to a phase result; nothing panics or
// returns an error across the phase boundary. The engine composes them in
// order and owns all state mutation.
package phase

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/gitops"
	"github.com/gantryhq/gantry/internal/logging"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/spawn"
	"github.com/gantryhq/gantry/internal/workspec"
)

// ScratchDirName is the per-worktree directory holding engine artifacts:
// the task description written by setup and the operator-supplied
// evidence file read by the commit phase.
const ScratchDirName = ".gantry"

// Context carries everything one executor needs. Executors read it and
// the referenced plan state but never mutate state; results flow back
// through Result and the engine applies them.
type Context struct {
	Plan  *plan.Plan
	Node  *plan.Node
	State *plan.ExecutionState

	Git       gitops.Git
	Spawner   spawn.Spawner
	Delegator agent.Delegator
	Log       *logging.Logger

	// Attempt is the user-visible attempt number, used to partition
	// worktrees one-per-attempt.
	Attempt int

	// Worktree and BaseCommit are set by the engine once merge-forward
	// has established the execution environment.
	Worktree   string
	BaseCommit string

	// OnStart receives the PID of each launched process. The engine
	// records it, under its own lock, for the liveness watchdog.
	OnStart func(pid int)

	// ReviewAbsentDiff optionally judges whether a missing diff is
	// legitimate for this node. Wired to an agent-backed reviewer by the
	// engine; nil means the review justification is unavailable.
	ReviewAbsentDiff func(ctx context.Context, pc *Context) (bool, string)
}

// Logger returns the context logger, never nil.
func (pc *Context) Logger() *logging.Logger {
	if pc.Log == nil {
		return logging.NewNop()
	}
	return pc.Log
}

// Result is the outcome of one phase execution.
type Result struct {
	Success bool

	// Skipped means the phase had nothing to do and counts as success.
	Skipped bool

	// Message is a human-readable failure (or skip) description.
	Message string

	// FailureReason classifies a failure for the execution state.
	FailureReason plan.FailureReason

	// ExitCode is the failing process exit code, when applicable.
	ExitCode *int

	// Stdout and Stderr hold captured output tails for the attempt log.
	Stdout string
	Stderr string

	// Healable marks an execution failure eligible for auto-heal.
	Healable bool

	// WorktreePath and BaseCommit report the environment merge-forward
	// established.
	WorktreePath string
	BaseCommit   string

	// Commit is the commit this phase produced or confirmed
	// (commit and merge-back phases).
	Commit string

	// Summary carries diff statistics gathered by the commit phase.
	Summary *plan.WorkSummary

	// AgentSessionID is the agent session recorded for later resumption.
	AgentSessionID string

	// Usage holds agent token accounting, when the phase delegated.
	Usage *agent.Usage
}

func success() Result {
	return Result{Success: true}
}

func skipped(message string) Result {
	return Result{Success: true, Skipped: true, Message: message}
}

func failure(reason plan.FailureReason, format string, args ...any) Result {
	return Result{
		Success:       false,
		Message:       fmt.Sprintf(format, args...),
		FailureReason: reason,
	}
}

// Executor runs one phase of the node protocol.
type Executor interface {
	Phase() plan.Phase
	Execute(ctx context.Context, pc *Context) Result
}

// Sequence returns the executors in protocol order.
func Sequence() []Executor {
	return []Executor{
		MergeForward{},
		Setup{},
		Checks{Which: plan.PhasePrechecks},
		Work{},
		Commit{},
		Checks{Which: plan.PhasePostchecks},
		MergeBack{},
	}
}

// WorktreePath computes the worktree location for one attempt of a node:
// worktrees are partitioned per attempt and never shared.
func WorktreePath(p *plan.Plan, nodeID string, attempt int) string {
	return filepath.Join(p.WorktreeRoot, p.ID, nodeID, fmt.Sprintf("attempt-%d", attempt))
}

// sortedDependencies returns the node's dependencies in deterministic
// order so merge-forward is reproducible.
func sortedDependencies(n *plan.Node) []string {
	deps := append([]string(nil), n.Dependencies...)
	sort.Strings(deps)
	return deps
}

// runSpec executes a work spec inside the node's worktree, dispatching to
// the spawner for process/shell work and to the agent delegator for agent
// work. The returned result is phase-agnostic; callers fill in phase
// specifics.
func runSpec(ctx context.Context, pc *Context, spec *workspec.Spec, which plan.Phase) Result {
	log := pc.Logger().WithPhase(which.String())

	switch spec.Kind {
	case workspec.KindProcess, workspec.KindShell:
		run := pc.Spawner.Run(ctx, spawn.Request{
			Spec:    spec,
			Dir:     pc.Worktree,
			Env:     pc.Plan.Spec.Env,
			OnStart: pc.OnStart,
		})
		switch {
		case run.Err != nil:
			return failure(plan.FailureExecution, "%s failed to launch: %v", which, run.Err)
		case run.Canceled:
			return failure(plan.FailureUserCanceled, "%s canceled", which)
		case run.TimedOut:
			res := failure(plan.FailureTimeout, "%s timed out after %s", which, spec.Timeout())
			res.Stdout, res.Stderr = run.Stdout, run.Stderr
			res.Healable = true
			return res
		case run.ExitCode != 0:
			res := failure(plan.FailureExecution, "%s exited with code %d", which, run.ExitCode)
			res.ExitCode = &run.ExitCode
			res.Stdout, res.Stderr = run.Stdout, run.Stderr
			res.Healable = true
			return res
		}
		res := success()
		res.Stdout, res.Stderr = run.Stdout, run.Stderr
		return res

	case workspec.KindAgent:
		sessionID := ""
		if pc.State != nil {
			sessionID = pc.State.AgentSessionID
		}
		del := pc.Delegator.Delegate(ctx, agent.Request{
			Spec:      spec.Agent,
			Dir:       pc.Worktree,
			Env:       pc.Plan.Spec.Env,
			SessionID: sessionID,
			OnStart:   pc.OnStart,
		})
		if del.Err == context.Canceled {
			return failure(plan.FailureUserCanceled, "%s canceled", which)
		}
		res := Result{
			Success:        del.Succeeded,
			Stderr:         del.Stderr,
			AgentSessionID: del.SessionID,
			Usage:          &del.Usage,
		}
		if !del.Succeeded {
			res.FailureReason = plan.FailureExecution
			res.Message = fmt.Sprintf("%s agent failed: %s", which, firstNonEmpty(del.Summary, errString(del.Err), "no detail"))
		}
		return res

	default:
		log.Error("unrunnable spec kind", "kind", spec.Kind)
		return failure(plan.FailureExecution, "%s has unrunnable spec kind %q", which, spec.Kind)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
