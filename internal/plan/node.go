package plan

import (
	"time"

	"github.com/gantryhq/gantry/internal/workspec"
)

// -----------------------------------------------------------------------------
// Phases
// -----------------------------------------------------------------------------

// Phase identifies one step of a node's multi-phase execution protocol.
// Phases execute strictly in sequence and never overlap for the same node.
type Phase string

const (
	PhaseMergeForward Phase = "merge_forward"
	PhaseSetup        Phase = "setup"
	PhasePrechecks    Phase = "prechecks"
	PhaseWork         Phase = "work"
	PhaseCommit       Phase = "commit"
	PhasePostchecks   Phase = "postchecks"
	PhaseMergeBack    Phase = "merge_back"
)

// PhaseOrder lists the phases in execution order.
var PhaseOrder = []Phase{
	PhaseMergeForward,
	PhaseSetup,
	PhasePrechecks,
	PhaseWork,
	PhaseCommit,
	PhasePostchecks,
	PhaseMergeBack,
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// SpecPhase reports whether this phase runs a user-supplied work spec
// (prechecks, work, postchecks). The remaining phases are engine-internal.
func (p Phase) SpecPhase() bool {
	return p == PhasePrechecks || p == PhaseWork || p == PhasePostchecks
}

// PhaseStatus is the outcome of a single phase within an attempt.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusSucceeded PhaseStatus = "succeeded"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusSkipped   PhaseStatus = "skipped"
)

// -----------------------------------------------------------------------------
// Failure Classification
// -----------------------------------------------------------------------------

// FailureReason distinguishes how a node failed, so an operator can tell
// "ran and failed" apart from "disappeared".
type FailureReason string

const (
	// FailureCrashed indicates the node's process died without reporting
	// completion (detected by the liveness watchdog).
	FailureCrashed FailureReason = "crashed"

	// FailureTimeout indicates a phase exceeded its configured timeout.
	FailureTimeout FailureReason = "timeout"

	// FailureExecution indicates a phase ran and reported failure
	// (non-zero exit, thrown error).
	FailureExecution FailureReason = "execution-error"

	// FailureUserCanceled indicates an explicit operator cancel or
	// force-fail. Never auto-healed or auto-retried.
	FailureUserCanceled FailureReason = "user-canceled"
)

// -----------------------------------------------------------------------------
// Attempts
// -----------------------------------------------------------------------------

// TriggerType classifies what started an execution try.
type TriggerType string

const (
	// TriggerInitial is the first try of a node.
	TriggerInitial TriggerType = "initial"

	// TriggerAutoHeal is an automated repair sub-attempt; it shares the
	// parent attempt's number and does not count as a visible attempt.
	TriggerAutoHeal TriggerType = "auto-heal"

	// TriggerRetry is an operator-visible retry; it increments the
	// visible attempt counter.
	TriggerRetry TriggerType = "retry"

	// TriggerPostchecksRevalidation re-runs postchecks after a heal
	// changed the worktree.
	TriggerPostchecksRevalidation TriggerType = "postchecks-revalidation"
)

// Countable reports whether a try with this trigger counts toward the
// user-visible attempt total. Auto-heal sub-tries share the current attempt
// number and are never counted separately.
func (t TriggerType) Countable() bool {
	return t != TriggerAutoHeal
}

// PhaseRecord captures the outcome and timing of one phase within one try.
type PhaseRecord struct {
	Status     PhaseStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// AttemptRecord is an immutable snapshot of one execution try.
// The append-only attempt history contains one record per try, including
// auto-heal sub-tries.
type AttemptRecord struct {
	// AttemptNumber is the user-visible attempt this try belongs to.
	// Auto-heal sub-tries share their parent's number.
	AttemptNumber int `json:"attempt_number"`

	// Trigger records what started this try.
	Trigger TriggerType `json:"trigger"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// FailedPhase names the phase that failed, if any.
	FailedPhase Phase `json:"failed_phase,omitempty"`

	// ExitCode is the exit code of the failing process, when applicable.
	ExitCode *int `json:"exit_code,omitempty"`

	// Phases holds per-phase statuses and timing for this try.
	Phases map[Phase]PhaseRecord `json:"phases,omitempty"`

	// WorktreePath and BaseCommit reference the execution environment.
	WorktreePath string `json:"worktree_path,omitempty"`
	BaseCommit   string `json:"base_commit,omitempty"`

	// CompletedCommit is the commit produced by this try, if any.
	CompletedCommit string `json:"completed_commit,omitempty"`

	// SpecSnapshot points at the on-disk spec/log snapshot used for this
	// try (the attempts/<n>/ directory in the store).
	SpecSnapshot string `json:"spec_snapshot,omitempty"`
}

// -----------------------------------------------------------------------------
// Node Execution State
// -----------------------------------------------------------------------------

// WorkSummary aggregates the visible output of a node's work.
type WorkSummary struct {
	Commits      int `json:"commits"`
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// ExecutionState is the mutable runtime state of a node. Every mutation
// bumps Version, which consumers use for cheap change detection.
type ExecutionState struct {
	Status NodeStatus `json:"status"`

	// Version increases monotonically on every mutation.
	Version int64 `json:"version"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	// LastError is the last human-readable failure message.
	LastError string `json:"last_error,omitempty"`

	// FailureReason tags how the node failed, when Status is failed.
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	// BaseCommit is the commit the worktree was created at.
	BaseCommit string `json:"base_commit,omitempty"`

	// CompletedCommit is the commit produced by the successful work phase.
	CompletedCommit string `json:"completed_commit,omitempty"`

	// WorktreePath is the node's isolated worktree, one per attempt.
	WorktreePath string `json:"worktree_path,omitempty"`

	// PID is the OS process id of the currently running phase process,
	// recorded for liveness checks; cleared on completion or crash.
	PID int `json:"pid,omitempty"`

	// Phases holds the per-phase status map for the current attempt.
	Phases map[Phase]PhaseStatus `json:"phases,omitempty"`

	// HealAttempted counts auto-heal tries per phase. Each phase gets at
	// most one, independently of the others.
	HealAttempted map[Phase]int `json:"heal_attempted,omitempty"`

	// AgentSessionID is the last agent session for this node, used when a
	// retry resumes the agent conversation.
	AgentSessionID string `json:"agent_session_id,omitempty"`

	// History is the append-only record of every try, including
	// auto-heal sub-tries.
	History []AttemptRecord `json:"history,omitempty"`

	// Summary aggregates commit/file-change counts once work completes.
	Summary *WorkSummary `json:"summary,omitempty"`
}

// Attempts returns the user-visible attempt count: the number of history
// records whose trigger counts. Auto-heal sub-tries never increment it.
// The count is a computed projection, not a separately tracked field.
func (s *ExecutionState) Attempts() int {
	n := 0
	for _, rec := range s.History {
		if rec.Trigger.Countable() {
			n++
		}
	}
	return n
}

// CurrentAttempt returns the attempt number in progress, which is the
// highest attempt number in the history, or zero before the first try.
func (s *ExecutionState) CurrentAttempt() int {
	max := 0
	for _, rec := range s.History {
		if rec.AttemptNumber > max {
			max = rec.AttemptNumber
		}
	}
	return max
}

// Touch bumps the state version. Call after every mutation.
func (s *ExecutionState) Touch() {
	s.Version++
}

// SetStatus transitions the node state, validating against the transition
// table. Panics on an illegal transition.
func (s *ExecutionState) SetStatus(nodeID string, to NodeStatus) {
	MustTransitionNode(nodeID, s.Status, to)
	s.Status = to
	s.Touch()
}

// ResetForRetry prepares the state for a fresh user-visible attempt.
// This is the only sanctioned path out of a failed or canceled status: the
// attempt history survives, everything attempt-scoped is cleared.
func (s *ExecutionState) ResetForRetry() {
	s.Status = NodePending
	s.ScheduledAt = nil
	s.StartedAt = nil
	s.FinishedAt = nil
	s.LastError = ""
	s.FailureReason = ""
	s.CompletedCommit = ""
	s.PID = 0
	s.Phases = nil
	s.HealAttempted = nil
	s.Touch()
}

// -----------------------------------------------------------------------------
// Node
// -----------------------------------------------------------------------------

// Node is the unit of scheduled work: up to three user-supplied work specs
// (prechecks, work, postchecks) executed inside an isolated git worktree.
type Node struct {
	// ID is the stable identity, assigned once at creation and never
	// regenerated, including across process restarts.
	ID string `json:"id"`

	// ProducerID is the user-chosen reference key used for dependency
	// wiring before IDs exist.
	ProducerID string `json:"producer_id"`

	// Name is the display name.
	Name string `json:"name"`

	// Task describes what the node should accomplish.
	Task string `json:"task,omitempty"`

	// Prechecks, Work, and Postchecks are the node's user-supplied
	// phases. Any of them may be nil.
	Prechecks  *workspec.Spec `json:"prechecks,omitempty"`
	Work       *workspec.Spec `json:"work,omitempty"`
	Postchecks *workspec.Spec `json:"postchecks,omitempty"`

	// Dependencies lists node IDs that must succeed before this node runs.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependents is the derived reverse-edge list. Recomputed after load
	// or mutation via dag.ComputeDependents; never authored.
	Dependents []string `json:"dependents,omitempty"`

	// BaseBranch optionally overrides the plan's base branch.
	// Only valid on root nodes.
	BaseBranch string `json:"base_branch,omitempty"`

	// GroupPath optionally names the group this node belongs to.
	GroupPath string `json:"group_path,omitempty"`

	// ExpectsNoChanges declares that an absent diff is a legitimate
	// outcome for this node.
	ExpectsNoChanges bool `json:"expects_no_changes,omitempty"`

	// AutoHeal enables the single automated repair sub-attempt per phase.
	// Defaults to true for process/shell work and false for agent work.
	AutoHeal bool `json:"auto_heal"`
}

// SpecFor returns the work spec for a user-supplied phase, or nil.
func (n *Node) SpecFor(phase Phase) *workspec.Spec {
	switch phase {
	case PhasePrechecks:
		return n.Prechecks
	case PhaseWork:
		return n.Work
	case PhasePostchecks:
		return n.Postchecks
	default:
		return nil
	}
}

// DefaultAutoHeal returns the auto-heal default for this node based on the
// kind of its work spec.
func (n *Node) DefaultAutoHeal() bool {
	if n.Work == nil {
		return true
	}
	return n.Work.Kind.DefaultAutoHeal()
}
