package plan

import (
	"testing"
	"time"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/workspec"
)

func newTestPlan(t *testing.T) *Plan {
	t.Helper()
	p := &Plan{
		ID:            NewPlanID(),
		Spec:          UserSpec{Name: "test", BaseBranch: "main", TargetBranch: "main", MaxParallel: 2},
		Nodes:         make(map[string]*Node),
		ProducerIndex: make(map[string]string),
		States:        make(map[string]*ExecutionState),
		Status:        PlanPending,
		CreatedAt:     time.Now(),
	}
	return p
}

func addNode(p *Plan, producerID string, deps ...string) *Node {
	n := &Node{
		ID:         NewNodeID(),
		ProducerID: producerID,
		Name:       producerID,
		Work:       workspec.NewShell("true"),
		AutoHeal:   true,
	}
	for _, dep := range deps {
		if id, ok := p.ProducerIndex[dep]; ok {
			n.Dependencies = append(n.Dependencies, id)
		} else {
			n.Dependencies = append(n.Dependencies, dep)
		}
	}
	p.Nodes[n.ID] = n
	p.ProducerIndex[producerID] = n.ID
	p.States[n.ID] = &ExecutionState{Status: NodePending}
	return n
}

func TestRebuildEdges(t *testing.T) {
	p := newTestPlan(t)
	a := addNode(p, "a")
	b := addNode(p, "b", "a")
	c := addNode(p, "c", "b")

	p.RebuildEdges()

	if len(p.Roots) != 1 || p.Roots[0] != a.ID {
		t.Errorf("Roots = %v, want [%s]", p.Roots, a.ID)
	}
	if len(p.Leaves) != 1 || p.Leaves[0] != c.ID {
		t.Errorf("Leaves = %v, want [%s]", p.Leaves, c.ID)
	}
	if len(a.Dependents) != 1 || a.Dependents[0] != b.ID {
		t.Errorf("a.Dependents = %v, want [%s]", a.Dependents, b.ID)
	}
	if len(c.Dependents) != 0 {
		t.Errorf("c.Dependents = %v, want empty", c.Dependents)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	p := newTestPlan(t)
	a := addNode(p, "a")
	b := addNode(p, "b", "a")
	a.Dependencies = append(a.Dependencies, b.ID)

	err := p.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want cycle error")
	}
	var cycleErr *gerrors.CycleError
	if !gerrors.As(err, &cycleErr) {
		t.Fatalf("error type = %T, want *CycleError", err)
	}
}

func TestValidateRejectsDanglingDeps(t *testing.T) {
	p := newTestPlan(t)
	n := addNode(p, "a")
	n.Dependencies = []string{"no-such-node"}

	err := p.Validate()
	var dangling *gerrors.DanglingDependencyError
	if !gerrors.As(err, &dangling) {
		t.Fatalf("Validate() = %v, want dangling dependency error", err)
	}
}

func TestValidateRejectsBaseBranchOverrideOnNonRoot(t *testing.T) {
	p := newTestPlan(t)
	addNode(p, "a")
	b := addNode(p, "b", "a")
	b.BaseBranch = "feature/other"

	if err := p.Validate(); err == nil {
		t.Error("Validate() = nil, want error for non-root base branch override")
	}
}

func TestResolveRef(t *testing.T) {
	p := newTestPlan(t)
	n := addNode(p, "build")

	if id, ok := p.ResolveRef(n.ID); !ok || id != n.ID {
		t.Errorf("ResolveRef(node id) = %q, %v", id, ok)
	}
	if id, ok := p.ResolveRef("build"); !ok || id != n.ID {
		t.Errorf("ResolveRef(producer id) = %q, %v", id, ok)
	}
	if _, ok := p.ResolveRef("missing"); ok {
		t.Error("ResolveRef(missing) = true, want false")
	}
}

func TestAttemptsProjection(t *testing.T) {
	s := &ExecutionState{Status: NodeFailed}

	// initial-fail -> heal-fail -> retry -> heal-fail -> retry: visible
	// attempts must read 1, 2, 3 with no gaps while history holds 5 records.
	s.History = []AttemptRecord{
		{AttemptNumber: 1, Trigger: TriggerInitial},
		{AttemptNumber: 1, Trigger: TriggerAutoHeal},
		{AttemptNumber: 2, Trigger: TriggerRetry},
		{AttemptNumber: 2, Trigger: TriggerAutoHeal},
		{AttemptNumber: 3, Trigger: TriggerRetry},
	}

	if got := s.Attempts(); got != 3 {
		t.Errorf("Attempts() = %d, want 3", got)
	}
	if got := s.CurrentAttempt(); got != 3 {
		t.Errorf("CurrentAttempt() = %d, want 3", got)
	}
	if len(s.History) != 5 {
		t.Errorf("history length = %d, want 5", len(s.History))
	}

	// Visible attempt numbers have no gaps.
	seen := map[int]bool{}
	for _, rec := range s.History {
		if rec.Trigger.Countable() {
			seen[rec.AttemptNumber] = true
		}
	}
	for n := 1; n <= 3; n++ {
		if !seen[n] {
			t.Errorf("missing visible attempt number %d", n)
		}
	}
}

func TestTouchBumpsVersion(t *testing.T) {
	s := &ExecutionState{Status: NodePending}
	v := s.Version
	s.SetStatus("n", NodeReady)
	if s.Version <= v {
		t.Errorf("Version = %d, want > %d after mutation", s.Version, v)
	}
}

func TestResetForRetryClearsAttemptScopedState(t *testing.T) {
	s := &ExecutionState{
		Status:        NodeFailed,
		LastError:     "boom",
		FailureReason: FailureExecution,
		PID:           1234,
		Phases:        map[Phase]PhaseStatus{PhaseWork: PhaseStatusFailed},
		HealAttempted: map[Phase]int{PhaseWork: 1},
		History:       []AttemptRecord{{AttemptNumber: 1, Trigger: TriggerInitial}},
	}

	s.ResetForRetry()

	if s.Status != NodePending {
		t.Errorf("Status = %s, want pending", s.Status)
	}
	if s.LastError != "" || s.FailureReason != "" || s.PID != 0 {
		t.Error("attempt-scoped state not cleared")
	}
	if len(s.History) != 1 {
		t.Error("attempt history must survive retry reset")
	}
}

func TestDeriveStatusRecordsHistory(t *testing.T) {
	p := newTestPlan(t)
	n := addNode(p, "only")

	p.States[n.ID].Status = NodeSucceeded
	if got := p.DeriveStatus(); got != PlanSucceeded {
		t.Fatalf("DeriveStatus() = %s, want succeeded", got)
	}
	if len(p.History) == 0 {
		t.Error("status change not recorded in history")
	}
}

func TestDeriveStatusPreservesOperatorStates(t *testing.T) {
	p := newTestPlan(t)
	addNode(p, "a")
	p.Status = PlanPaused

	if got := p.DeriveStatus(); got != PlanPaused {
		t.Errorf("DeriveStatus() = %s, want paused preserved", got)
	}
}

func TestGroupRollup(t *testing.T) {
	p := newTestPlan(t)
	a := addNode(p, "a")
	b := addNode(p, "b")
	c := addNode(p, "c")

	p.Groups = map[string]*Group{
		"backend": {Name: "backend", Path: "backend", NodeIDs: []string{a.ID}, Children: []string{"backend/api"}},
		"backend/api": {
			Name: "api", Path: "backend/api", Parent: "backend", NodeIDs: []string{b.ID, c.ID},
		},
	}
	p.States[a.ID].Status = NodeSucceeded
	p.States[b.ID].Status = NodeRunning

	p.RollupGroups()

	top := p.GroupStates["backend"]
	if top.TotalNodes != 3 {
		t.Errorf("backend TotalNodes = %d, want 3", top.TotalNodes)
	}
	if top.LeafNodes != 1 {
		t.Errorf("backend LeafNodes = %d, want 1", top.LeafNodes)
	}
	if top.Counts[NodeSucceeded] != 1 || top.Counts[NodeRunning] != 1 || top.Counts[NodePending] != 1 {
		t.Errorf("backend counts = %v", top.Counts)
	}

	child := p.GroupStates["backend/api"]
	if child.TotalNodes != 2 {
		t.Errorf("backend/api TotalNodes = %d, want 2", child.TotalNodes)
	}
}
