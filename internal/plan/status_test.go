package plan

import "testing"

var allNodeStatuses = []NodeStatus{
	NodePending, NodeReady, NodeScheduled, NodeRunning,
	NodeSucceeded, NodeFailed, NodeBlocked, NodeCanceled,
}

func TestNodeTransitionTable(t *testing.T) {
	// The full expected table: everything not listed is illegal.
	allowed := map[NodeStatus]map[NodeStatus]bool{
		NodePending:   {NodeReady: true, NodeBlocked: true, NodeCanceled: true},
		NodeReady:     {NodeScheduled: true, NodeBlocked: true, NodeCanceled: true},
		NodeScheduled: {NodeRunning: true, NodeFailed: true, NodeCanceled: true},
		NodeRunning:   {NodeSucceeded: true, NodeFailed: true, NodeCanceled: true},
	}

	for _, from := range allNodeStatuses {
		for _, to := range allNodeStatuses {
			want := allowed[from][to]
			if got := IsValidNodeTransition(from, to); got != want {
				t.Errorf("IsValidNodeTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesHaveNoOutgoingTransitions(t *testing.T) {
	for _, from := range allNodeStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allNodeStatuses {
			if IsValidNodeTransition(from, to) {
				t.Errorf("terminal status %s has outgoing transition to %s", from, to)
			}
		}
	}
}

func TestNodeStatusIsTerminal(t *testing.T) {
	terminal := map[NodeStatus]bool{
		NodeSucceeded: true,
		NodeFailed:    true,
		NodeBlocked:   true,
		NodeCanceled:  true,
	}
	for _, s := range allNodeStatuses {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestMustTransitionNodePanicsOnIllegalTransition(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustTransitionNode(succeeded -> running) did not panic")
		}
	}()
	MustTransitionNode("node-x", NodeSucceeded, NodeRunning)
}

func TestPlanTransitions(t *testing.T) {
	tests := []struct {
		from, to PlanStatus
		want     bool
	}{
		{PlanScaffolding, PlanPending, true},
		{PlanPending, PlanRunning, true},
		{PlanPendingStart, PlanRunning, true},
		{PlanRunning, PlanPausing, true},
		{PlanPausing, PlanPaused, true},
		{PlanPaused, PlanRunning, true},
		{PlanFailed, PlanRunning, true}, // resume after retry
		{PlanSucceeded, PlanRunning, false},
		{PlanCanceled, PlanRunning, false},
		{PlanPending, PlanPaused, false},
	}
	for _, tt := range tests {
		if got := IsValidPlanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidPlanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDerivePlanStatus(t *testing.T) {
	tests := []struct {
		name   string
		counts map[NodeStatus]int
		total  int
		want   PlanStatus
	}{
		{
			name:  "no nodes means scaffolding",
			total: 0,
			want:  PlanScaffolding,
		},
		{
			name:   "all pending",
			counts: map[NodeStatus]int{NodePending: 3},
			total:  3,
			want:   PlanPending,
		},
		{
			name:   "one running",
			counts: map[NodeStatus]int{NodePending: 2, NodeRunning: 1},
			total:  3,
			want:   PlanRunning,
		},
		{
			name:   "all succeeded",
			counts: map[NodeStatus]int{NodeSucceeded: 3},
			total:  3,
			want:   PlanSucceeded,
		},
		{
			name:   "failure wins over success",
			counts: map[NodeStatus]int{NodeSucceeded: 2, NodeFailed: 1},
			total:  3,
			want:   PlanFailed,
		},
		{
			name:   "blocked counts as failure",
			counts: map[NodeStatus]int{NodeSucceeded: 1, NodeFailed: 1, NodeBlocked: 1},
			total:  3,
			want:   PlanFailed,
		},
		{
			name:   "canceled without failure",
			counts: map[NodeStatus]int{NodeSucceeded: 2, NodeCanceled: 1},
			total:  3,
			want:   PlanCanceled,
		},
		{
			name:   "some terminal, rest in flight",
			counts: map[NodeStatus]int{NodeSucceeded: 1, NodeReady: 1, NodePending: 1},
			total:  3,
			want:   PlanRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePlanStatus(tt.counts, tt.total); got != tt.want {
				t.Errorf("DerivePlanStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}
