package engine

import (
	"fmt"
	"sort"
	"time"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/plan"
)

// PlanSnapshot is a detached, read-only view of a plan for presentation
// and automation layers. StateVersion increases monotonically; consumers
// poll it for cheap change detection.
type PlanSnapshot struct {
	ID           string
	Name         string
	Status       plan.PlanStatus
	StateVersion int64
	BaseBranch   string
	TargetBranch string
	BaseCommit   string
	Paused       bool
	MaxParallel  int
	CreatedAt    time.Time

	Nodes  []NodeSnapshot
	Groups []GroupSnapshot

	Counts map[plan.NodeStatus]int
}

// NodeSnapshot is the read-only view of one node.
type NodeSnapshot struct {
	ID            string
	ProducerID    string
	Name          string
	Status        plan.NodeStatus
	Dependencies  []string
	Dependents    []string
	GroupPath     string
	Attempts      int
	LastError     string
	FailureReason plan.FailureReason
	WorktreePath  string
	Commit        string
	PID           int
	Phases        map[plan.Phase]plan.PhaseStatus
	Summary       *plan.WorkSummary
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// GroupSnapshot is the read-only rollup of one group.
type GroupSnapshot struct {
	Path   string
	Status plan.PlanStatus
	Counts map[plan.NodeStatus]int
	Total  int
}

// Snapshot returns the current read-only view of a plan.
func (e *Engine) Snapshot(planID string) (*PlanSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ap, ok := e.plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", planID, gerrors.ErrPlanNotFound)
	}
	p := ap.plan

	snap := &PlanSnapshot{
		ID:           p.ID,
		Name:         p.Spec.Name,
		Status:       p.Status,
		StateVersion: p.StateVersion,
		BaseBranch:   p.Spec.BaseBranch,
		TargetBranch: p.Spec.TargetBranch,
		BaseCommit:   p.BaseCommit,
		Paused:       p.Paused,
		MaxParallel:  p.Spec.MaxParallel,
		CreatedAt:    p.CreatedAt,
		Counts:       p.StatusCounts(),
	}

	for id, n := range p.Nodes {
		st := p.States[id]
		ns := NodeSnapshot{
			ID:            id,
			ProducerID:    n.ProducerID,
			Name:          n.Name,
			Status:        st.Status,
			Dependencies:  append([]string(nil), n.Dependencies...),
			Dependents:    append([]string(nil), n.Dependents...),
			GroupPath:     n.GroupPath,
			Attempts:      st.Attempts(),
			LastError:     st.LastError,
			FailureReason: st.FailureReason,
			WorktreePath:  st.WorktreePath,
			Commit:        st.CompletedCommit,
			PID:           st.PID,
			StartedAt:     st.StartedAt,
			FinishedAt:    st.FinishedAt,
			Summary:       st.Summary,
		}
		if len(st.Phases) > 0 {
			ns.Phases = make(map[plan.Phase]plan.PhaseStatus, len(st.Phases))
			for ph, status := range st.Phases {
				ns.Phases[ph] = status
			}
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })

	p.RollupGroups()
	for path, gs := range p.GroupStates {
		counts := make(map[plan.NodeStatus]int, len(gs.Counts))
		for k, v := range gs.Counts {
			counts[k] = v
		}
		snap.Groups = append(snap.Groups, GroupSnapshot{
			Path:   path,
			Status: gs.Status(),
			Counts: counts,
			Total:  gs.TotalNodes,
		})
	}
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].Path < snap.Groups[j].Path })

	return snap, nil
}
