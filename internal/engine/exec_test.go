package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/event"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/spawn"
	"github.com/gantryhq/gantry/internal/workspec"
)

// soloPlan builds a one-node plan around the given work spec.
func soloPlan(t *testing.T, id string, work *workspec.Spec, autoHeal bool) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		ID: id,
		Spec: plan.UserSpec{
			Name:         "solo",
			BaseBranch:   "main",
			TargetBranch: "target",
			MaxParallel:  1,
			Cleanup:      plan.CleanupNever,
		},
		Nodes: map[string]*plan.Node{
			"node-a": {
				ID:               "node-a",
				ProducerID:       "a",
				Name:             "a",
				Work:             work,
				AutoHeal:         autoHeal,
				ExpectsNoChanges: true,
			},
		},
		ProducerIndex: map[string]string{"a": "node-a"},
		States:        map[string]*plan.ExecutionState{},
		RepoPath:      "/repo",
		WorktreeRoot:  t.TempDir(),
	}
	return p
}

func runSolo(t *testing.T, rig *testRig, p *plan.Plan) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, rig.engine.CreatePlan(ctx, p))
	require.NoError(t, rig.engine.Start(ctx, p.ID))
	pumpUntil(t, rig, func() bool {
		s := planStatus(t, rig, p.ID)
		return s == plan.PlanSucceeded || s == plan.PlanFailed
	})
}

func attemptNumbers(st *plan.ExecutionState) []int {
	nums := make([]int, len(st.History))
	for i, rec := range st.History {
		nums[i] = rec.AttemptNumber
	}
	return nums
}

func triggers(st *plan.ExecutionState) []plan.TriggerType {
	out := make([]plan.TriggerType, len(st.History))
	for i, rec := range st.History {
		out[i] = rec.Trigger
	}
	return out
}

func TestAutoHealRepairsFailedWork(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	p := soloPlan(t, "plan-heal", workspec.NewShell("make x"), true)
	rig.spawner.Script("make x", &spawn.Result{ExitCode: 2, Stderr: "missing dep"})

	// The repair event fires after the agent sub-attempt is recorded and
	// before the phase re-run, so rescripting here models a fix landing in
	// the worktree.
	rig.engine.Bus().Subscribe("node.heal", func(event.Event) {
		rig.spawner.Script("make x", &spawn.Result{ExitCode: 0})
	})

	runSolo(t, rig, p)

	assert.Equal(t, plan.PlanSucceeded, planStatus(t, rig, "plan-heal"))
	st := p.States["node-a"]
	assert.Equal(t, plan.NodeSucceeded, st.Status)

	// The heal is a sub-attempt: two history records, one visible attempt.
	assert.Equal(t, []int{1, 1}, attemptNumbers(st))
	assert.Equal(t, []plan.TriggerType{plan.TriggerInitial, plan.TriggerAutoHeal}, triggers(st))
	assert.Equal(t, 1, st.Attempts())

	// The repair ran inside the same worktree as the failing attempt.
	require.Len(t, rig.delegator.Calls, 1)
	assert.Equal(t, st.WorktreePath, rig.delegator.Calls[0].Dir)
	assert.Contains(t, rig.delegator.Calls[0].Spec.Instructions, "missing dep")
}

func TestAutoHealFailureLeavesNodeFailed(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	rig.delegator.Next = &agent.Result{Succeeded: false, Summary: "could not fix"}
	p := soloPlan(t, "plan-heal2", workspec.NewShell("make x"), true)
	rig.spawner.Script("make x", &spawn.Result{ExitCode: 2})

	runSolo(t, rig, p)

	assert.Equal(t, plan.PlanFailed, planStatus(t, rig, "plan-heal2"))
	st := p.States["node-a"]
	assert.Equal(t, plan.NodeFailed, st.Status)
	assert.Equal(t, []int{1, 1}, attemptNumbers(st))
	assert.Equal(t, 1, st.Attempts())
	assert.Equal(t, plan.PhaseWork, st.History[0].FailedPhase)
}

func TestAutoHealRunsOncePerPhase(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	p := soloPlan(t, "plan-heal3", workspec.NewShell("make x"), true)
	rig.spawner.Script("make x", &spawn.Result{ExitCode: 2})
	// The delegator reports success but the command keeps failing, so the
	// re-run fails and no second heal may fire.

	runSolo(t, rig, p)

	assert.Equal(t, plan.PlanFailed, planStatus(t, rig, "plan-heal3"))
	st := p.States["node-a"]
	assert.Equal(t, []int{1, 1}, attemptNumbers(st))
	assert.Len(t, rig.delegator.Calls, 1)
}

func TestAttemptNumberingAcrossHealAndRetry(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()
	rig.delegator.Next = &agent.Result{Succeeded: false}
	p := soloPlan(t, "plan-num", workspec.NewShell("make x"), true)
	rig.spawner.Script("make x", &spawn.Result{ExitCode: 1})

	runSolo(t, rig, p)
	require.NoError(t, rig.engine.Retry(ctx, "plan-num", "node-a", false))
	pumpUntil(t, rig, func() bool {
		return planStatus(t, rig, "plan-num") == plan.PlanFailed
	})

	rig.spawner.Script("make x", &spawn.Result{ExitCode: 0})
	require.NoError(t, rig.engine.Retry(ctx, "plan-num", "node-a", false))
	pumpUntil(t, rig, func() bool {
		return planStatus(t, rig, "plan-num") == plan.PlanSucceeded
	})

	st := p.States["node-a"]
	assert.Equal(t, []int{1, 1, 2, 2, 3}, attemptNumbers(st))
	assert.Equal(t, []plan.TriggerType{
		plan.TriggerInitial, plan.TriggerAutoHeal,
		plan.TriggerRetry, plan.TriggerAutoHeal,
		plan.TriggerRetry,
	}, triggers(st))
	assert.Equal(t, 3, st.Attempts())
	assert.Equal(t, plan.NodeSucceeded, st.Status)
}

func TestAgentWorkFailureIsNotHealed(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	rig.delegator.Next = &agent.Result{Succeeded: false, Summary: "gave up"}
	p := soloPlan(t, "plan-agent", workspec.NewAgent("refactor the parser"), true)

	runSolo(t, rig, p)

	assert.Equal(t, plan.PlanFailed, planStatus(t, rig, "plan-agent"))
	st := p.States["node-a"]
	assert.Equal(t, plan.NodeFailed, st.Status)
	// One delegation for the work itself, none for a heal.
	assert.Len(t, rig.delegator.Calls, 1)
	assert.Equal(t, []int{1}, attemptNumbers(st))
}

func TestAbsentDiffReviewAcceptsLegitimateVerdict(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	rig.delegator.Next = &agent.Result{Succeeded: true, Summary: "LEGITIMATE: nothing needed doing"}
	p := soloPlan(t, "plan-review", nil, false)
	p.Nodes["node-a"].ExpectsNoChanges = false

	runSolo(t, rig, p)

	assert.Equal(t, plan.PlanSucceeded, planStatus(t, rig, "plan-review"))
	require.Len(t, rig.delegator.Calls, 1)
	assert.Contains(t, rig.delegator.Calls[0].Spec.Instructions, "empty diff")
}

func TestAbsentDiffReviewRejectsUnexpectedVerdict(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	rig.delegator.Next = &agent.Result{Succeeded: true, Summary: "UNEXPECTED: the task should have produced code"}
	p := soloPlan(t, "plan-review2", nil, false)
	p.Nodes["node-a"].ExpectsNoChanges = false

	runSolo(t, rig, p)

	assert.Equal(t, plan.PlanFailed, planStatus(t, rig, "plan-review2"))
	st := p.States["node-a"]
	assert.Equal(t, plan.NodeFailed, st.Status)
	assert.Equal(t, plan.PhaseCommit, st.History[0].FailedPhase)
}

func TestWorkPIDIsRecordedAndClearedAfterAttempt(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	p := soloPlan(t, "plan-pid", workspec.NewShell("true"), false)

	var seenPID int
	rig.engine.Bus().Subscribe("phase.completed", func(ev event.Event) {
		pe := ev.(event.PhaseEvent)
		if pe.Phase == plan.PhaseWork {
			seenPID = p.States["node-a"].PID
		}
	})

	runSolo(t, rig, p)

	st := p.States["node-a"]
	assert.Greater(t, seenPID, 0)
	assert.Zero(t, st.PID)
	assert.Equal(t, plan.NodeSucceeded, st.Status)
}
