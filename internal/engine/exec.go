package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/engine/phase"
	"github.com/gantryhq/gantry/internal/event"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/workspec"
)

// launchNode moves a scheduled node into execution on its own goroutine.
func (e *Engine) launchNode(ctx context.Context, ap *activePlan, nodeID string) {
	nodeCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if ap.cancels == nil {
		ap.cancels = make(map[string]context.CancelFunc)
	}
	ap.cancels[nodeID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.capacity.Release()
		e.runNode(nodeCtx, ap, nodeID)

		e.mu.Lock()
		delete(ap.cancels, nodeID)
		ap.dirty = true
		e.mu.Unlock()
	}()
}

// runNode executes one full attempt of a node: the phase protocol in
// order, with cancellation observed at phase boundaries and auto-heal
// applied to healable failures.
func (e *Engine) runNode(ctx context.Context, ap *activePlan, nodeID string) {
	p := ap.plan
	log := e.log.WithPlan(p.ID).WithNode(nodeID)

	e.mu.Lock()
	node := p.Nodes[nodeID]
	st := p.States[nodeID]

	trigger := plan.TriggerInitial
	if len(st.History) > 0 {
		trigger = plan.TriggerRetry
	}
	attempt := st.Attempts() + 1

	now := e.now()
	st.StartedAt = &now
	st.Phases = make(map[plan.Phase]plan.PhaseStatus, len(plan.PhaseOrder))
	for _, ph := range plan.PhaseOrder {
		st.Phases[ph] = plan.PhaseStatusPending
	}
	record := plan.AttemptRecord{
		AttemptNumber: attempt,
		Trigger:       trigger,
		StartedAt:     now,
		Phases:        make(map[plan.Phase]plan.PhaseRecord),
		SpecSnapshot:  e.store.AttemptDir(p.ID, nodeID, attempt),
	}
	st.History = append(st.History, record)
	recordIdx := len(st.History) - 1
	e.transitionNode(ap, nodeID, plan.NodeRunning, "execution started")
	e.mu.Unlock()

	if err := e.store.SnapshotSpecsForAttempt(p.ID, nodeID, attempt); err != nil {
		log.Warn("spec snapshot failed", "attempt", attempt, "error", err)
	}

	pc := &phase.Context{
		Plan:      p,
		Node:      node,
		State:     st,
		Git:       ap.git,
		Spawner:   e.spawner,
		Delegator: e.delegator,
		Log:       log,
		Attempt:   attempt,
		OnStart: func(pid int) {
			e.mu.Lock()
			st.PID = pid
			st.Touch()
			e.mu.Unlock()
		},
		ReviewAbsentDiff: e.reviewAbsentDiff,
	}

	outcome := e.runPhases(ctx, ap, pc, recordIdx)
	e.concludeAttempt(ap, nodeID, recordIdx, outcome)
}

// phaseOutcome is the terminal verdict of one attempt's phase loop.
type phaseOutcome struct {
	result  phase.Result
	failed  plan.Phase
	stopped bool // canceled before or between phases
}

// runPhases walks the protocol in order. Each phase's result is applied
// to the node state before the next phase starts; merge-back runs under
// the plan's ref mutex so concurrent leaf merges are sequenced.
func (e *Engine) runPhases(ctx context.Context, ap *activePlan, pc *phase.Context, recordIdx int) phaseOutcome {
	p := ap.plan
	nodeID := pc.Node.ID

	for _, ex := range phase.Sequence() {
		ph := ex.Phase()
		if ctx.Err() != nil {
			return phaseOutcome{stopped: true, failed: ph}
		}

		e.setPhaseStatus(ap, nodeID, recordIdx, ph, plan.PhaseStatusRunning)
		e.bus.Publish(event.NewPhaseStartedEvent(p.ID, nodeID, ph))

		var res phase.Result
		if ph == plan.PhaseMergeBack {
			ap.refMu.Lock()
			res = ex.Execute(ctx, pc)
			ap.refMu.Unlock()
		} else {
			res = ex.Execute(ctx, pc)
		}

		if !res.Success && res.Healable && e.shouldHeal(pc.Node, pc.State, ph) {
			res = e.autoHeal(ctx, ap, pc, ph, res)
		}

		e.applyPhaseResult(ap, pc, ph, res)
		if res.Success {
			status := plan.PhaseStatusSucceeded
			if res.Skipped {
				status = plan.PhaseStatusSkipped
			}
			e.setPhaseStatus(ap, nodeID, recordIdx, ph, status)
			e.bus.Publish(event.NewPhaseCompletedEvent(p.ID, nodeID, ph, true, res.Message))
			continue
		}

		e.setPhaseStatus(ap, nodeID, recordIdx, ph, plan.PhaseStatusFailed)
		e.bus.Publish(event.NewPhaseCompletedEvent(p.ID, nodeID, ph, false, res.Message))
		return phaseOutcome{result: res, failed: ph}
	}
	return phaseOutcome{result: phase.Result{Success: true}}
}

// shouldHeal reports whether a phase failure gets the automated repair
// sub-attempt: the node opted in and this phase has not consumed its one
// heal. Each phase heals independently of the others.
func (e *Engine) shouldHeal(node *plan.Node, st *plan.ExecutionState, ph plan.Phase) bool {
	if !node.AutoHeal {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return st.HealAttempted[ph] == 0
}

// autoHeal delegates the failure to the agent for an in-place fix inside
// the same worktree, then re-runs the failed phase once. The heal is a
// sub-attempt: it shares the current attempt number and never increments
// the visible attempt count.
func (e *Engine) autoHeal(ctx context.Context, ap *activePlan, pc *phase.Context, ph plan.Phase, failed phase.Result) phase.Result {
	p := ap.plan
	nodeID := pc.Node.ID
	log := e.log.WithPlan(p.ID).WithNode(nodeID).WithPhase(ph.String())

	e.mu.Lock()
	if pc.State.HealAttempted == nil {
		pc.State.HealAttempted = make(map[plan.Phase]int)
	}
	pc.State.HealAttempted[ph]++
	now := e.now()
	pc.State.History = append(pc.State.History, plan.AttemptRecord{
		AttemptNumber: pc.Attempt,
		Trigger:       plan.TriggerAutoHeal,
		StartedAt:     now,
		FailedPhase:   ph,
		WorktreePath:  pc.Worktree,
		BaseCommit:    pc.BaseCommit,
	})
	healIdx := len(pc.State.History) - 1
	pc.State.Touch()
	e.mu.Unlock()

	e.bus.Publish(event.NewHealEvent(p.ID, nodeID, ph))
	log.Info("auto-heal started", "message", failed.Message)

	del := e.delegator.Delegate(ctx, agent.Request{
		Spec:    healSpec(pc.Node, ph, failed),
		Dir:     pc.Worktree,
		Env:     p.Spec.Env,
		OnStart: pc.OnStart,
	})

	e.mu.Lock()
	finished := e.now()
	pc.State.History[healIdx].FinishedAt = &finished
	e.mu.Unlock()

	if del.Err != nil || !del.Succeeded {
		log.Warn("auto-heal failed", "error", del.Err, "summary", del.Summary)
		return failed
	}

	log.Info("auto-heal finished, re-running phase")
	rerun := phaseByName(ph).Execute(ctx, pc)
	return rerun
}

// healSpec builds the repair instructions from the failure evidence.
func healSpec(node *plan.Node, ph plan.Phase, failed phase.Result) *workspec.AgentSpec {
	var b strings.Builder
	fmt.Fprintf(&b, "The %s phase of task %q failed: %s\n", ph, node.Name, failed.Message)
	if failed.Stderr != "" {
		fmt.Fprintf(&b, "\nStderr tail:\n%s\n", failed.Stderr)
	}
	if failed.Stdout != "" {
		fmt.Fprintf(&b, "\nStdout tail:\n%s\n", failed.Stdout)
	}
	b.WriteString("\nInvestigate and fix the problem in this worktree so the phase can succeed on re-run. Do not commit.")
	return &workspec.AgentSpec{Instructions: b.String()}
}

// phaseByName returns the executor for a phase.
func phaseByName(ph plan.Phase) phase.Executor {
	for _, ex := range phase.Sequence() {
		if ex.Phase() == ph {
			return ex
		}
	}
	panic(fmt.Sprintf("no executor for phase %s", ph))
}

// applyPhaseResult folds a phase result into the node state and the
// phase context. Caller does not hold e.mu.
func (e *Engine) applyPhaseResult(ap *activePlan, pc *phase.Context, ph plan.Phase, res phase.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := pc.State
	if res.WorktreePath != "" {
		st.WorktreePath = res.WorktreePath
		pc.Worktree = res.WorktreePath
	}
	if res.BaseCommit != "" {
		st.BaseCommit = res.BaseCommit
		pc.BaseCommit = res.BaseCommit
	}
	if res.Commit != "" && ph == plan.PhaseCommit {
		st.CompletedCommit = res.Commit
	}
	if res.Summary != nil {
		st.Summary = res.Summary
	}
	if res.AgentSessionID != "" {
		st.AgentSessionID = res.AgentSessionID
	}
	st.Touch()
	ap.dirty = true
}

// setPhaseStatus records a phase status in both the live state and the
// attempt record.
func (e *Engine) setPhaseStatus(ap *activePlan, nodeID string, recordIdx int, ph plan.Phase, status plan.PhaseStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := ap.plan.States[nodeID]
	st.Phases[ph] = status
	rec := st.History[recordIdx].Phases[ph]
	now := e.now()
	switch status {
	case plan.PhaseStatusRunning:
		rec.StartedAt = &now
	case plan.PhaseStatusSucceeded, plan.PhaseStatusFailed, plan.PhaseStatusSkipped:
		rec.FinishedAt = &now
	}
	rec.Status = status
	st.History[recordIdx].Phases[ph] = rec
	st.Touch()
	ap.dirty = true
}

// concludeAttempt finishes the attempt record and moves the node to its
// terminal (or canceled) status. Every branch is guarded on the node
// still being running: a force-fail or watchdog verdict that landed while
// the attempt was in flight already concluded the node, and its error and
// reason must survive this goroutine's later arrival.
func (e *Engine) concludeAttempt(ap *activePlan, nodeID string, recordIdx int, outcome phaseOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := ap.plan
	st := p.States[nodeID]
	now := e.now()
	st.FinishedAt = &now
	st.PID = 0

	rec := &st.History[recordIdx]
	rec.FinishedAt = &now
	rec.WorktreePath = st.WorktreePath
	rec.BaseCommit = st.BaseCommit
	rec.CompletedCommit = st.CompletedCommit

	switch {
	case outcome.stopped:
		rec.FailedPhase = outcome.failed
		if st.Status == plan.NodeRunning {
			st.LastError = "canceled"
			st.FailureReason = plan.FailureUserCanceled
			e.transitionNode(ap, nodeID, plan.NodeCanceled, "canceled")
		}
	case outcome.result.Success:
		if st.Status == plan.NodeRunning {
			st.LastError = ""
			st.FailureReason = ""
			e.transitionNode(ap, nodeID, plan.NodeSucceeded, "all phases complete")
		}
	default:
		res := outcome.result
		rec.FailedPhase = outcome.failed
		rec.ExitCode = res.ExitCode
		if st.Status == plan.NodeRunning {
			st.LastError = res.Message
			st.FailureReason = res.FailureReason
			if res.FailureReason == plan.FailureUserCanceled {
				e.transitionNode(ap, nodeID, plan.NodeCanceled, res.Message)
			} else {
				e.transitionNode(ap, nodeID, plan.NodeFailed, res.Message)
			}
		}
	}
}

// reviewAbsentDiff asks the agent to judge whether a node's missing diff
// is legitimate, as the last-resort justification in the commit phase.
func (e *Engine) reviewAbsentDiff(ctx context.Context, pc *phase.Context) (bool, string) {
	instructions := fmt.Sprintf(
		"Task %q finished without changing any files. Review the task description "+
			"and the worktree and answer whether an empty diff is a legitimate outcome. "+
			"Reply with LEGITIMATE or UNEXPECTED on the first line, then one sentence of reasoning.",
		pc.Node.Name)

	del := e.delegator.Delegate(ctx, agent.Request{
		Spec: &workspec.AgentSpec{Instructions: instructions, MaxTurns: 3},
		Dir:  pc.Worktree,
		Env:  pc.Plan.Spec.Env,
	})
	if del.Err != nil || !del.Succeeded {
		return false, "review unavailable"
	}
	verdict := strings.TrimSpace(del.Summary)
	return strings.HasPrefix(strings.ToUpper(verdict), "LEGITIMATE"), verdict
}
