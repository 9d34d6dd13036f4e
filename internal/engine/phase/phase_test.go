package phase

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/gitops"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/spawn"
	"github.com/gantryhq/gantry/internal/workspec"
)

func testContext(t *testing.T) (*Context, *gitops.Fake) {
	t.Helper()
	git := gitops.NewFake()
	git.Refs["main"] = "base-commit"
	git.Refs["gantry/target"] = "target-commit"

	p := &plan.Plan{
		ID: "plan-1",
		Spec: plan.UserSpec{
			Name:         "test",
			BaseBranch:   "main",
			TargetBranch: "gantry/target",
		},
		Nodes:        map[string]*plan.Node{},
		States:       map[string]*plan.ExecutionState{},
		WorktreeRoot: t.TempDir(),
		BaseCommit:   "base-commit",
	}
	node := &plan.Node{ID: "node-1", ProducerID: "one", Name: "first"}
	p.Nodes[node.ID] = node
	state := &plan.ExecutionState{Status: plan.NodeRunning}
	p.States[node.ID] = state

	return &Context{
		Plan:      p,
		Node:      node,
		State:     state,
		Git:       git,
		Spawner:   spawn.NewFakeSpawner(),
		Delegator: &agent.FakeDelegator{},
		Attempt:   1,
	}, git
}

// -----------------------------------------------------------------------------
// Merge-forward
// -----------------------------------------------------------------------------

func TestMergeForwardCreatesWorktreeAtBase(t *testing.T) {
	pc, git := testContext(t)

	res := MergeForward{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "base-commit", res.BaseCommit)
	assert.Equal(t, WorktreePath(pc.Plan, "node-1", 1), res.WorktreePath)
	assert.Equal(t, "base-commit", git.Worktrees[res.WorktreePath])
}

func TestMergeForwardMergesDependencyCommits(t *testing.T) {
	pc, git := testContext(t)
	pc.Node.Dependencies = []string{"dep-b", "dep-a"}
	pc.Plan.Nodes["dep-a"] = &plan.Node{ID: "dep-a"}
	pc.Plan.Nodes["dep-b"] = &plan.Node{ID: "dep-b"}
	pc.Plan.States["dep-a"] = &plan.ExecutionState{Status: plan.NodeSucceeded, CompletedCommit: "commit-a"}
	pc.Plan.States["dep-b"] = &plan.ExecutionState{Status: plan.NodeSucceeded, CompletedCommit: "commit-b"}

	res := MergeForward{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 2, git.CallsTo("merge "))

	// Deterministic order: dep-a before dep-b regardless of authoring order.
	var merges []string
	for _, c := range git.Calls {
		if len(c) > 5 && c[:5] == "merge" {
			merges = append(merges, c)
		}
	}
	assert.Contains(t, merges[0], "commit-a")
	assert.Contains(t, merges[1], "commit-b")
}

func TestMergeForwardSkipsCommitlessDependency(t *testing.T) {
	pc, git := testContext(t)
	pc.Node.Dependencies = []string{"dep-a"}
	pc.Plan.Nodes["dep-a"] = &plan.Node{ID: "dep-a", ExpectsNoChanges: true}
	pc.Plan.States["dep-a"] = &plan.ExecutionState{Status: plan.NodeSucceeded}

	res := MergeForward{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 0, git.CallsTo("merge "))
}

func TestMergeForwardBaseBranchOverride(t *testing.T) {
	pc, git := testContext(t)
	git.Refs["feature/base"] = "override-commit"
	pc.Node.BaseBranch = "feature/base"

	res := MergeForward{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "override-commit", res.BaseCommit)
}

func TestMergeForwardMergeConflictFails(t *testing.T) {
	pc, git := testContext(t)
	pc.Node.Dependencies = []string{"dep-a"}
	pc.Plan.Nodes["dep-a"] = &plan.Node{ID: "dep-a"}
	pc.Plan.States["dep-a"] = &plan.ExecutionState{Status: plan.NodeSucceeded, CompletedCommit: "commit-a"}
	git.Fail["merge"] = errors.New("conflict in main.go")

	res := MergeForward{}.Execute(context.Background(), pc)
	assert.False(t, res.Success)
	assert.Equal(t, plan.FailureExecution, res.FailureReason)
	assert.Contains(t, res.Message, "dep-a")
}

// -----------------------------------------------------------------------------
// Setup
// -----------------------------------------------------------------------------

func TestSetupWritesTaskFile(t *testing.T) {
	pc, _ := testContext(t)
	pc.Worktree = t.TempDir()
	pc.Node.Task = "refactor the parser"

	res := Setup{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)

	data, err := os.ReadFile(filepath.Join(pc.Worktree, ScratchDirName, "task.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "refactor the parser")
	assert.Contains(t, string(data), "# first")
}

// -----------------------------------------------------------------------------
// Checks and work
// -----------------------------------------------------------------------------

func TestChecksSkipWithoutSpec(t *testing.T) {
	pc, _ := testContext(t)
	res := Checks{Which: plan.PhasePrechecks}.Execute(context.Background(), pc)
	assert.True(t, res.Success)
	assert.True(t, res.Skipped)
}

func TestChecksRunShellSpec(t *testing.T) {
	pc, _ := testContext(t)
	pc.Node.Prechecks = workspec.NewShell("make lint")

	res := Checks{Which: plan.PhasePrechecks}.Execute(context.Background(), pc)
	assert.True(t, res.Success)
	assert.False(t, res.Skipped)
}

func TestChecksFailureIsHealable(t *testing.T) {
	pc, _ := testContext(t)
	pc.Node.Postchecks = workspec.NewShell("make test")
	fake := pc.Spawner.(*spawn.FakeSpawner)
	fake.Script("make test", &spawn.Result{ExitCode: 2, Stderr: "FAIL"})

	res := Checks{Which: plan.PhasePostchecks}.Execute(context.Background(), pc)
	assert.False(t, res.Success)
	assert.True(t, res.Healable)
	assert.Equal(t, plan.FailureExecution, res.FailureReason)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 2, *res.ExitCode)
}

func TestWorkSkipsWithoutSpec(t *testing.T) {
	pc, _ := testContext(t)
	res := Work{}.Execute(context.Background(), pc)
	assert.True(t, res.Success)
	assert.True(t, res.Skipped)
}

func TestWorkAgentRecordsSession(t *testing.T) {
	pc, _ := testContext(t)
	pc.Node.Work = workspec.NewAgent("do the thing")
	pc.Delegator.(*agent.FakeDelegator).Next = &agent.Result{
		Succeeded: true,
		SessionID: "sess-9",
		Usage:     agent.Usage{Turns: 3},
	}

	res := Work{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "sess-9", res.AgentSessionID)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 3, res.Usage.Turns)
}

func TestWorkAgentFailureNotHealable(t *testing.T) {
	pc, _ := testContext(t)
	pc.Node.Work = workspec.NewAgent("do the thing")
	pc.Delegator.(*agent.FakeDelegator).Next = &agent.Result{Succeeded: false, Summary: "gave up"}

	res := Work{}.Execute(context.Background(), pc)
	assert.False(t, res.Success)
	assert.False(t, res.Healable)
	assert.Contains(t, res.Message, "gave up")
}

// -----------------------------------------------------------------------------
// Commit and evidence validation
// -----------------------------------------------------------------------------

func commitContext(t *testing.T) (*Context, *gitops.Fake) {
	pc, git := testContext(t)
	pc.Worktree = filepath.Join(pc.Plan.WorktreeRoot, "wt")
	pc.BaseCommit = "base-commit"
	git.Worktrees[pc.Worktree] = "base-commit"
	require.NoError(t, os.MkdirAll(filepath.Join(pc.Worktree, ScratchDirName), 0o755))
	return pc, git
}

func TestCommitStagesAndCommitsDirtyWorktree(t *testing.T) {
	pc, git := commitContext(t)
	git.Dirty[pc.Worktree] = true
	git.Stats[pc.Worktree] = gitops.DiffStat{FilesChanged: 2, Insertions: 10, Deletions: 3}

	res := Commit{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.NotEmpty(t, res.Commit)
	assert.NotEqual(t, "base-commit", res.Commit)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 2, res.Summary.FilesChanged)
	assert.Equal(t, 1, git.CallsTo("commit "))
}

func TestCommitAcceptsSelfCommittedWork(t *testing.T) {
	pc, git := commitContext(t)
	git.Worktrees[pc.Worktree] = "work-commit"

	res := Commit{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "work-commit", res.Commit)
	assert.Equal(t, 0, git.CallsTo("commit "))
}

func TestCommitRejectsUnjustifiedNoDiff(t *testing.T) {
	pc, _ := commitContext(t)

	res := Commit{}.Execute(context.Background(), pc)
	assert.False(t, res.Success)
	assert.Equal(t, plan.FailureExecution, res.FailureReason)
	assert.Contains(t, res.Message, "no justification")
}

func TestCommitExpectsNoChangesIdempotent(t *testing.T) {
	pc, git := commitContext(t)
	pc.Node.ExpectsNoChanges = true

	first := Commit{}.Execute(context.Background(), pc)
	second := Commit{}.Execute(context.Background(), pc)
	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, 0, git.CallsTo("commit "))
}

func TestCommitAcceptsEvidenceFile(t *testing.T) {
	pc, _ := commitContext(t)
	ev, _ := json.Marshal(Evidence{Summary: "config already correct", Outcome: OutcomeNoChangesNeeded})
	require.NoError(t, os.WriteFile(
		filepath.Join(pc.Worktree, ScratchDirName, EvidenceFileName), ev, 0o644))

	res := Commit{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "config already correct", res.Message)
}

func TestCommitRejectsMalformedEvidence(t *testing.T) {
	cases := map[string]string{
		"missing summary": `{"outcome":"no-changes-needed"}`,
		"unknown outcome": `{"summary":"s","outcome":"because"}`,
		"not json":        `nope`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			pc, _ := commitContext(t)
			require.NoError(t, os.WriteFile(
				filepath.Join(pc.Worktree, ScratchDirName, EvidenceFileName), []byte(doc), 0o644))

			res := Commit{}.Execute(context.Background(), pc)
			assert.False(t, res.Success)
		})
	}
}

func TestCommitReviewJudgesAbsentDiff(t *testing.T) {
	pc, _ := commitContext(t)
	pc.ReviewAbsentDiff = func(context.Context, *Context) (bool, string) {
		return true, "node only validates state"
	}

	res := Commit{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "node only validates state", res.Message)

	pc.ReviewAbsentDiff = func(context.Context, *Context) (bool, string) {
		return false, "work was expected to change files"
	}
	res = Commit{}.Execute(context.Background(), pc)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "review rejected")
}

// -----------------------------------------------------------------------------
// Merge-back and verify
// -----------------------------------------------------------------------------

func TestMergeBackFastForwardsTargetRef(t *testing.T) {
	pc, git := testContext(t)
	pc.State.CompletedCommit = "work-commit"

	res := MergeBack{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.NotEmpty(t, res.Commit)
	assert.Equal(t, res.Commit, git.Refs["gantry/target"])
	assert.Empty(t, git.Worktrees, "ephemeral worktree must be removed")
}

func TestMergeBackPrefersSnapshotBranch(t *testing.T) {
	pc, git := testContext(t)
	pc.State.CompletedCommit = "work-commit"
	pc.Plan.Snapshot = &plan.SnapshotBranch{Name: "gantry/snapshot", BaseCommit: "base-commit"}
	git.Refs["gantry/snapshot"] = "snap-commit"

	res := MergeBack{}.Execute(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, res.Commit, git.Refs["gantry/snapshot"])
	assert.Equal(t, "target-commit", git.Refs["gantry/target"], "target branch untouched")
}

func TestMergeBackSkipsWithoutCompletedCommit(t *testing.T) {
	pc, git := testContext(t)
	res := MergeBack{}.Execute(context.Background(), pc)
	assert.True(t, res.Success)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, git.CallsTo("worktree-add"))
}

func TestMergeBackRemovesWorktreeOnMergeFailure(t *testing.T) {
	pc, git := testContext(t)
	pc.State.CompletedCommit = "work-commit"
	git.Fail["merge"] = errors.New("conflict")

	res := MergeBack{}.Execute(context.Background(), pc)
	assert.False(t, res.Success)
	assert.Equal(t, 1, git.CallsTo("worktree-remove"))
	assert.Empty(t, git.Worktrees)
}

func TestVerifySkipsWithoutSpec(t *testing.T) {
	pc, _ := testContext(t)
	res := Verify(context.Background(), pc)
	assert.True(t, res.Success)
	assert.True(t, res.Skipped)
}

func TestVerifyCleanRunLeavesRefAlone(t *testing.T) {
	pc, git := testContext(t)
	pc.Plan.Spec.Verification = workspec.NewShell("make check")

	res := Verify(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "target-commit", git.Refs["gantry/target"])
	assert.Empty(t, git.Worktrees)
}

func TestVerifyCommitsItsOwnFixes(t *testing.T) {
	pc, git := testContext(t)
	pc.Plan.Spec.Verification = workspec.NewShell("make fix")
	verifyWT := WorktreePath(pc.Plan, "plan", 1) + "-verify"
	git.Dirty[verifyWT] = true

	res := Verify(context.Background(), pc)
	require.True(t, res.Success, res.Message)
	assert.NotEmpty(t, res.Commit)
	assert.Equal(t, res.Commit, git.Refs["gantry/target"])
	assert.Empty(t, git.Worktrees)
}

func TestVerifyRemovesWorktreeWhenSpecFails(t *testing.T) {
	pc, git := testContext(t)
	pc.Plan.Spec.Verification = workspec.NewShell("make check")
	pc.Spawner.(*spawn.FakeSpawner).Script("make check", &spawn.Result{ExitCode: 1})

	res := Verify(context.Background(), pc)
	assert.False(t, res.Success)
	assert.Equal(t, 1, git.CallsTo("worktree-remove"))
	assert.Empty(t, git.Worktrees)
}

func TestSequenceCoversProtocolInOrder(t *testing.T) {
	var got []plan.Phase
	for _, ex := range Sequence() {
		got = append(got, ex.Phase())
	}
	assert.Equal(t, plan.PhaseOrder, got)
}
