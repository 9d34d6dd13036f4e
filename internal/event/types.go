package event

import (
	"time"

	"github.com/gantryhq/gantry/internal/plan"
)

// Event is implemented by everything the bus carries. Event types follow
// the "category.action" convention ("node.state", "phase.completed").
type Event interface {
	EventType() string
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// PlanStatusEvent is emitted when a plan's derived status changes.
type PlanStatusEvent struct {
	baseEvent
	PlanID string
	From   plan.PlanStatus
	To     plan.PlanStatus
}

func NewPlanStatusEvent(planID string, from, to plan.PlanStatus) PlanStatusEvent {
	return PlanStatusEvent{
		baseEvent: newBaseEvent("plan.status"),
		PlanID:    planID,
		From:      from,
		To:        to,
	}
}

// NodeStateEvent is emitted on every node state transition.
type NodeStateEvent struct {
	baseEvent
	PlanID string
	NodeID string
	From   plan.NodeStatus
	To     plan.NodeStatus
	Reason string
}

func NewNodeStateEvent(planID, nodeID string, from, to plan.NodeStatus, reason string) NodeStateEvent {
	return NodeStateEvent{
		baseEvent: newBaseEvent("node.state"),
		PlanID:    planID,
		NodeID:    nodeID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// PhaseEvent is emitted when a phase starts or completes.
type PhaseEvent struct {
	baseEvent
	PlanID    string
	NodeID    string
	Phase     plan.Phase
	Succeeded bool
	Detail    string
}

func NewPhaseStartedEvent(planID, nodeID string, phase plan.Phase) PhaseEvent {
	return PhaseEvent{
		baseEvent: newBaseEvent("phase.started"),
		PlanID:    planID,
		NodeID:    nodeID,
		Phase:     phase,
	}
}

func NewPhaseCompletedEvent(planID, nodeID string, phase plan.Phase, succeeded bool, detail string) PhaseEvent {
	return PhaseEvent{
		baseEvent: newBaseEvent("phase.completed"),
		PlanID:    planID,
		NodeID:    nodeID,
		Phase:     phase,
		Succeeded: succeeded,
		Detail:    detail,
	}
}

// HealEvent is emitted when auto-heal launches a repair sub-attempt.
type HealEvent struct {
	baseEvent
	PlanID string
	NodeID string
	Phase  plan.Phase
}

func NewHealEvent(planID, nodeID string, phase plan.Phase) HealEvent {
	return HealEvent{
		baseEvent: newBaseEvent("node.heal"),
		PlanID:    planID,
		NodeID:    nodeID,
		Phase:     phase,
	}
}

// WatchdogEvent is emitted when the liveness watchdog fails a node whose
// recorded process has vanished.
type WatchdogEvent struct {
	baseEvent
	PlanID string
	NodeID string
	PID    int
}

func NewWatchdogEvent(planID, nodeID string, pid int) WatchdogEvent {
	return WatchdogEvent{
		baseEvent: newBaseEvent("node.watchdog"),
		PlanID:    planID,
		NodeID:    nodeID,
		PID:       pid,
	}
}
