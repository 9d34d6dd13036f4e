package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gantryhq/gantry/internal/dag"
	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/workspec"
)

// CleanupPolicy controls what happens to node worktrees when a plan ends.
type CleanupPolicy string

const (
	// CleanupAlways removes worktrees regardless of outcome.
	CleanupAlways CleanupPolicy = "always"

	// CleanupOnSuccess removes worktrees only when the plan succeeded.
	CleanupOnSuccess CleanupPolicy = "on-success"

	// CleanupNever leaves worktrees in place for inspection.
	CleanupNever CleanupPolicy = "never"
)

// UserSpec is the operator-authored portion of a plan: everything the user
// chooses up front, as opposed to the state the engine accumulates.
type UserSpec struct {
	// Name is the display name of the plan.
	Name string `json:"name"`

	// BaseBranch is the branch node worktrees are created from.
	BaseBranch string `json:"base_branch"`

	// TargetBranch is the branch merge-back integrates results into.
	TargetBranch string `json:"target_branch"`

	// MaxParallel bounds concurrently running nodes for this plan.
	MaxParallel int `json:"max_parallel"`

	// Cleanup selects the worktree cleanup policy.
	Cleanup CleanupPolicy `json:"cleanup,omitempty"`

	// PauseOnCreate holds the plan in pending-start until an explicit
	// start command.
	PauseOnCreate bool `json:"pause_on_create,omitempty"`

	// Env holds plan-level environment variables merged into every
	// node process.
	Env map[string]string `json:"env,omitempty"`

	// Verification optionally names a plan-level work spec run against
	// the target branch after the final merge-back.
	Verification *workspec.Spec `json:"verification,omitempty"`
}

// SnapshotBranch describes the branch that accumulates merge-back results
// before the final push to the target branch.
type SnapshotBranch struct {
	Name       string `json:"name"`
	BaseCommit string `json:"base_commit"`
}

// ParentLink references the plan/node that spawned a nested plan.
type ParentLink struct {
	PlanID string `json:"plan_id"`
	NodeID string `json:"node_id"`
}

// StatusChange records one plan status transition for the history log.
type StatusChange struct {
	From PlanStatus `json:"from"`
	To   PlanStatus `json:"to"`
	At   time.Time  `json:"at"`
}

// -----------------------------------------------------------------------------
// Groups
// -----------------------------------------------------------------------------

// Group is a purely organizational aggregate of nodes. Group execution
// state is always rolled up from member nodes, never authored directly.
type Group struct {
	// Name is the group's own segment of the path.
	Name string `json:"name"`

	// Path is the full hierarchical path, segments joined by "/".
	Path string `json:"path"`

	// Parent is the path of the parent group, empty for top-level groups.
	Parent string `json:"parent,omitempty"`

	// Children lists the paths of direct child groups.
	Children []string `json:"children,omitempty"`

	// NodeIDs lists the nodes directly assigned to this group.
	NodeIDs []string `json:"node_ids,omitempty"`
}

// GroupState is the derived execution state of a group: node status counts
// rolled up from direct and transitive members.
type GroupState struct {
	Counts map[NodeStatus]int `json:"counts"`

	// TotalNodes counts direct plus transitive member nodes.
	TotalNodes int `json:"total_nodes"`

	// LeafNodes counts member nodes assigned directly to this group.
	LeafNodes int `json:"leaf_nodes"`
}

// Status derives a single status for the group from its counts.
func (g *GroupState) Status() PlanStatus {
	return DerivePlanStatus(g.Counts, g.TotalNodes)
}

// -----------------------------------------------------------------------------
// Plan
// -----------------------------------------------------------------------------

// Plan is a DAG of nodes with shared base/target branches and a parallelism
// budget.
type Plan struct {
	// ID is the stable plan identity.
	ID string `json:"id"`

	// Spec is the operator-authored plan specification.
	Spec UserSpec `json:"spec"`

	// Nodes maps node ID to node.
	Nodes map[string]*Node `json:"nodes"`

	// ProducerIndex maps producer ID to node ID. Carried in metadata so
	// reconstruction never regenerates IDs.
	ProducerIndex map[string]string `json:"producer_index"`

	// Roots and Leaves are computed from the dependency graph.
	Roots  []string `json:"roots,omitempty"`
	Leaves []string `json:"leaves,omitempty"`

	// States maps node ID to execution state.
	States map[string]*ExecutionState `json:"states"`

	// Groups maps group path to group; GroupStates holds the rollups.
	Groups      map[string]*Group      `json:"groups,omitempty"`
	GroupStates map[string]*GroupState `json:"group_states,omitempty"`

	// Parent links a nested plan to the plan/node that spawned it.
	Parent *ParentLink `json:"parent,omitempty"`

	// RepoPath is the git repository the plan operates on.
	RepoPath string `json:"repo_path"`

	// WorktreeRoot is the directory worktrees are created under,
	// partitioned one-worktree-per-attempt.
	WorktreeRoot string `json:"worktree_root"`

	// BaseCommit is captured once at start so diff baselines do not drift
	// if the base branch advances during execution.
	BaseCommit string `json:"base_commit,omitempty"`

	// Snapshot describes the branch accumulating merge-back results.
	Snapshot *SnapshotBranch `json:"snapshot,omitempty"`

	// StateVersion increases monotonically on every plan or node state
	// mutation; consumers poll it for cheap change detection.
	StateVersion int64 `json:"state_version"`

	// Status holds the plan's current status. Outside the transient
	// operator states this is always recomputed, never trusted.
	Status PlanStatus `json:"status"`

	// Paused is the operator pause flag; it stops admission only.
	Paused bool `json:"paused,omitempty"`

	// History records plan status transitions.
	History []StatusChange `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Touch bumps the plan state version.
func (p *Plan) Touch() {
	p.StateVersion++
}

// Node returns the node with the given ID, or an error.
func (p *Plan) Node(id string) (*Node, error) {
	n, ok := p.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gerrors.ErrNodeNotFound, id)
	}
	return n, nil
}

// State returns the execution state for a node ID, or an error.
func (p *Plan) State(id string) (*ExecutionState, error) {
	s, ok := p.States[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gerrors.ErrNodeNotFound, id)
	}
	return s, nil
}

// ResolveRef resolves a node reference that may be either a producer ID
// (pre-finalization) or a node ID (post-finalization).
func (p *Plan) ResolveRef(ref string) (string, bool) {
	if _, ok := p.Nodes[ref]; ok {
		return ref, true
	}
	if id, ok := p.ProducerIndex[ref]; ok {
		return id, true
	}
	return "", false
}

// Jobs returns the dag.Job view of the plan's nodes.
func (p *Plan) Jobs() []dag.Job {
	jobs := make([]dag.Job, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		jobs = append(jobs, dag.Job{ID: n.ID, Dependencies: n.Dependencies})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// RebuildEdges recomputes the derived graph data: each node's dependents
// list and the plan's roots and leaves. Called after load and after any
// topology mutation so the two representations of an edge never drift.
func (p *Plan) RebuildEdges() {
	jobs := p.Jobs()
	dependents := dag.ComputeDependents(jobs)
	for id, n := range p.Nodes {
		n.Dependents = dependents[id]
	}
	p.Roots, p.Leaves = dag.ComputeRootsAndLeaves(jobs)
}

// Validate checks the plan's structure: dependency existence, acyclicity,
// and base-branch overrides confined to root nodes. Structural problems are
// reported in full, never partially validated.
func (p *Plan) Validate() error {
	jobs := p.Jobs()

	if err := dag.ValidateDependencies(jobs); err != nil {
		return err
	}
	if cycle := dag.DetectCycles(jobs); cycle != nil {
		return &gerrors.CycleError{Path: cycle}
	}

	var overrides []string
	for _, n := range p.Nodes {
		if n.BaseBranch != "" && len(n.Dependencies) > 0 {
			overrides = append(overrides, n.ID)
		}
	}
	if len(overrides) > 0 {
		sort.Strings(overrides)
		return fmt.Errorf("base branch override on non-root nodes: %s", strings.Join(overrides, ", "))
	}
	return nil
}

// StatusCounts tallies node statuses.
func (p *Plan) StatusCounts() map[NodeStatus]int {
	counts := make(map[NodeStatus]int)
	for _, s := range p.States {
		counts[s.Status]++
	}
	return counts
}

// DeriveStatus recomputes the plan status from node counts, preserving the
// transient operator states. Records a history entry when the status moves.
func (p *Plan) DeriveStatus() PlanStatus {
	if p.Status == PlanPausing || p.Status == PlanPaused {
		return p.Status
	}
	derived := DerivePlanStatus(p.StatusCounts(), len(p.Nodes))
	if p.Status == PlanPendingStart && derived == PlanPending {
		// Held for manual start; the hold survives derivation.
		return PlanPendingStart
	}
	if derived != p.Status {
		p.History = append(p.History, StatusChange{From: p.Status, To: derived, At: time.Now()})
		p.Status = derived
		p.Touch()
	}
	return p.Status
}

// RollupGroups recomputes every group's derived state from member nodes.
func (p *Plan) RollupGroups() {
	if len(p.Groups) == 0 {
		return
	}
	p.GroupStates = make(map[string]*GroupState, len(p.Groups))
	for path := range p.Groups {
		p.GroupStates[path] = p.rollupGroup(path)
	}
}

// rollupGroup aggregates one group's counts over direct and transitive
// member nodes.
func (p *Plan) rollupGroup(path string) *GroupState {
	state := &GroupState{Counts: make(map[NodeStatus]int)}

	var walk func(path string)
	walk = func(path string) {
		g, ok := p.Groups[path]
		if !ok {
			return
		}
		for _, nodeID := range g.NodeIDs {
			if s, ok := p.States[nodeID]; ok {
				state.Counts[s.Status]++
				state.TotalNodes++
			}
		}
		for _, child := range g.Children {
			walk(child)
		}
	}

	if g, ok := p.Groups[path]; ok {
		state.LeafNodes = len(g.NodeIDs)
	}
	walk(path)
	return state
}
