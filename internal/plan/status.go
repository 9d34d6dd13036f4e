// Package plan defines the plan/node/group entity graph and the status
// state machines that govern it. A Plan owns Nodes arranged as a DAG and
// optional hierarchical Groups; each Node owns an ExecutionState and an
// append-only history of Attempts.
package plan

import "fmt"

// -----------------------------------------------------------------------------
// Node Status
// -----------------------------------------------------------------------------

// NodeStatus represents the lifecycle state of a single node.
//
// The normal path is:
//
//	pending -> ready -> scheduled -> running -> succeeded
//
// A node becomes blocked (terminal) from pending or ready the instant any
// dependency ends in failed, blocked, or canceled. All four of succeeded,
// failed, blocked, and canceled are terminal: no outgoing transitions.
type NodeStatus string

const (
	// NodePending indicates the node is waiting on dependencies.
	NodePending NodeStatus = "pending"

	// NodeReady indicates every dependency has succeeded and the node is
	// eligible for scheduling.
	NodeReady NodeStatus = "ready"

	// NodeScheduled indicates the engine has claimed the node under the
	// parallelism budget but execution has not begun.
	NodeScheduled NodeStatus = "scheduled"

	// NodeRunning indicates the node's phases are executing.
	NodeRunning NodeStatus = "running"

	// NodeSucceeded indicates the node completed all phases successfully.
	NodeSucceeded NodeStatus = "succeeded"

	// NodeFailed indicates the node failed and exhausted any auto-heal.
	NodeFailed NodeStatus = "failed"

	// NodeBlocked indicates an ancestor failed; the node will never run.
	NodeBlocked NodeStatus = "blocked"

	// NodeCanceled indicates the node was canceled by an operator.
	NodeCanceled NodeStatus = "canceled"
)

// String returns the string representation of the status.
func (s NodeStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status has no outgoing transitions.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeBlocked, NodeCanceled:
		return true
	default:
		return false
	}
}

// nodeTransitions is the node status transition table. A status absent from
// the map (the terminal statuses) has no outgoing transitions.
var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodePending:   {NodeReady, NodeBlocked, NodeCanceled},
	NodeReady:     {NodeScheduled, NodeBlocked, NodeCanceled},
	NodeScheduled: {NodeRunning, NodeFailed, NodeCanceled},
	NodeRunning:   {NodeSucceeded, NodeFailed, NodeCanceled},
}

// IsValidNodeTransition reports whether the transition from one node status
// to another is declared in the transition table.
func IsValidNodeTransition(from, to NodeStatus) bool {
	for _, allowed := range nodeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// MustTransitionNode validates a node status transition and panics on an
// illegal one. An illegal transition is a programming error, not a
// recoverable condition; it must fail loudly rather than silently clamp.
func MustTransitionNode(nodeID string, from, to NodeStatus) {
	if !IsValidNodeTransition(from, to) {
		panic(fmt.Sprintf("illegal node transition %s -> %s for node %s", from, to, nodeID))
	}
}

// -----------------------------------------------------------------------------
// Plan Status
// -----------------------------------------------------------------------------

// PlanStatus represents the lifecycle state of a plan as a whole.
//
// Except for the transient operator states (pausing, paused), plan status
// is always recomputed from aggregated node counts, never trusted from a
// stale stored value.
type PlanStatus string

const (
	// PlanScaffolding indicates the plan is being authored and is not yet
	// schedulable.
	PlanScaffolding PlanStatus = "scaffolding"

	// PlanPending indicates the plan is authored but execution has not begun.
	PlanPending PlanStatus = "pending"

	// PlanPendingStart indicates the plan is held for a manual start or for
	// an upstream plan's success.
	PlanPendingStart PlanStatus = "pending-start"

	// PlanRunning indicates at least one node is scheduled or running, or
	// non-terminal nodes remain schedulable.
	PlanRunning PlanStatus = "running"

	// PlanPausing indicates a pause was requested; running nodes are
	// draining but no new nodes are admitted.
	PlanPausing PlanStatus = "pausing"

	// PlanPaused indicates scheduling is stopped; running nodes have
	// drained or been left to finish.
	PlanPaused PlanStatus = "paused"

	// PlanSucceeded indicates every node succeeded.
	PlanSucceeded PlanStatus = "succeeded"

	// PlanFailed indicates at least one node failed or was blocked.
	PlanFailed PlanStatus = "failed"

	// PlanCanceled indicates the plan was canceled by an operator.
	PlanCanceled PlanStatus = "canceled"
)

// String returns the string representation of the status.
func (s PlanStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
// PlanFailed is resumable via retry and therefore not terminal.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanSucceeded || s == PlanCanceled
}

// planTransitions declares the legal plan status transitions, including the
// operator-driven ones. failed -> running covers resume after retry.
var planTransitions = map[PlanStatus][]PlanStatus{
	PlanScaffolding:  {PlanPending, PlanPendingStart, PlanCanceled},
	PlanPending:      {PlanRunning, PlanPendingStart, PlanCanceled},
	PlanPendingStart: {PlanRunning, PlanPending, PlanCanceled},
	PlanRunning:      {PlanPausing, PlanPaused, PlanSucceeded, PlanFailed, PlanCanceled},
	PlanPausing:      {PlanPaused, PlanRunning, PlanFailed, PlanCanceled},
	PlanPaused:       {PlanRunning, PlanCanceled},
	PlanFailed:       {PlanRunning, PlanCanceled},
}

// IsValidPlanTransition reports whether the transition from one plan status
// to another is declared in the transition table.
func IsValidPlanTransition(from, to PlanStatus) bool {
	for _, allowed := range planTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DerivePlanStatus computes a plan's status from its node status counts.
// The transient operator states are not derivable; callers holding a plan
// in pausing/paused keep that status until resume.
func DerivePlanStatus(counts map[NodeStatus]int, total int) PlanStatus {
	if total == 0 {
		return PlanScaffolding
	}

	terminal := counts[NodeSucceeded] + counts[NodeFailed] + counts[NodeBlocked] + counts[NodeCanceled]
	if terminal == total {
		switch {
		case counts[NodeFailed] > 0 || counts[NodeBlocked] > 0:
			return PlanFailed
		case counts[NodeCanceled] > 0:
			return PlanCanceled
		default:
			return PlanSucceeded
		}
	}

	if counts[NodeScheduled] > 0 || counts[NodeRunning] > 0 || counts[NodeReady] > 0 {
		return PlanRunning
	}
	if terminal > 0 {
		// Some nodes finished but nothing is schedulable yet; the plan is
		// still in flight.
		return PlanRunning
	}
	return PlanPending
}
