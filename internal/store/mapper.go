package store

import (
	"fmt"
	"sort"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/plan"
)

// Serialize translates a live Plan into its metadata document. For each
// user-supplied phase it probes the Store for an on-disk spec before
// concluding the node "has no work": a node's in-memory spec may be absent
// while a previously-written spec still exists on disk.
func Serialize(p *plan.Plan, s *Store) *PlanMetadata {
	meta := serializeShared(p)
	for i := range meta.Nodes {
		nm := &meta.Nodes[i]
		n := p.Nodes[nm.ID]
		nm.HasSpec = make(map[plan.Phase]bool, 3)
		for _, phase := range []plan.Phase{plan.PhasePrechecks, plan.PhaseWork, plan.PhasePostchecks} {
			nm.HasSpec[phase] = n.SpecFor(phase) != nil || s.SpecExists(p.ID, n.ID, phase)
		}
	}
	return meta
}

// SerializeSync is the synchronous fast path for callers on a teardown path
// that cannot afford disk probes. It trusts the previously known HasSpec
// flags from prior metadata instead of checking the Store.
func SerializeSync(p *plan.Plan, prior *PlanMetadata) *PlanMetadata {
	meta := serializeShared(p)
	for i := range meta.Nodes {
		nm := &meta.Nodes[i]
		n := p.Nodes[nm.ID]
		var priorFlags map[plan.Phase]bool
		if prior != nil {
			if priorNode := prior.NodeMeta(nm.ID); priorNode != nil {
				priorFlags = priorNode.HasSpec
			}
		}
		nm.HasSpec = make(map[plan.Phase]bool, 3)
		for _, phase := range []plan.Phase{plan.PhasePrechecks, plan.PhaseWork, plan.PhasePostchecks} {
			nm.HasSpec[phase] = n.SpecFor(phase) != nil || priorFlags[phase]
		}
	}
	return meta
}

// serializeShared builds every metadata field except the HasSpec flags.
func serializeShared(p *plan.Plan) *PlanMetadata {
	meta := &PlanMetadata{
		FormatVersion: CurrentFormatVersion,
		ID:            p.ID,
		Spec:          p.Spec,
		ProducerIndex: p.ProducerIndex,
		Groups:        p.Groups,
		Parent:        p.Parent,
		RepoPath:      p.RepoPath,
		WorktreeRoot:  p.WorktreeRoot,
		BaseCommit:    p.BaseCommit,
		Snapshot:      p.Snapshot,
		StateVersion:  p.StateVersion,
		Status:        p.Status,
		Paused:        p.Paused,
		History:       p.History,
		CreatedAt:     p.CreatedAt,
	}

	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := p.Nodes[id]
		meta.Nodes = append(meta.Nodes, NodeMetadata{
			ID:               n.ID,
			ProducerID:       n.ProducerID,
			Name:             n.Name,
			Task:             n.Task,
			Dependencies:     n.Dependencies,
			BaseBranch:       n.BaseBranch,
			GroupPath:        n.GroupPath,
			ExpectsNoChanges: n.ExpectsNoChanges,
			AutoHeal:         n.AutoHeal,
			State:            p.States[id],
		})
	}
	return meta
}

// Reconstruct rebuilds an in-memory Plan from stored metadata without ID
// regeneration: node IDs and the producer index are taken verbatim from
// the document. Dependency lists may reference either producer IDs
// (pre-finalization) or node IDs (post-finalization); both are resolved to
// node IDs here. Work specs are not loaded; the caller rehydrates them
// from the Store using the HasSpec flags before the plan executes.
func Reconstruct(meta *PlanMetadata) (*plan.Plan, error) {
	p := &plan.Plan{
		ID:            meta.ID,
		Spec:          meta.Spec,
		Nodes:         make(map[string]*plan.Node, len(meta.Nodes)),
		ProducerIndex: meta.ProducerIndex,
		States:        make(map[string]*plan.ExecutionState, len(meta.Nodes)),
		Groups:        meta.Groups,
		Parent:        meta.Parent,
		RepoPath:      meta.RepoPath,
		WorktreeRoot:  meta.WorktreeRoot,
		BaseCommit:    meta.BaseCommit,
		Snapshot:      meta.Snapshot,
		StateVersion:  meta.StateVersion,
		Status:        meta.Status,
		Paused:        meta.Paused,
		History:       meta.History,
		CreatedAt:     meta.CreatedAt,
	}
	if p.ProducerIndex == nil {
		p.ProducerIndex = make(map[string]string)
	}

	for i := range meta.Nodes {
		nm := &meta.Nodes[i]
		n := &plan.Node{
			ID:               nm.ID,
			ProducerID:       nm.ProducerID,
			Name:             nm.Name,
			Task:             nm.Task,
			BaseBranch:       nm.BaseBranch,
			GroupPath:        nm.GroupPath,
			ExpectsNoChanges: nm.ExpectsNoChanges,
			AutoHeal:         nm.AutoHeal,
		}
		p.Nodes[n.ID] = n

		state := nm.State
		if state == nil {
			state = &plan.ExecutionState{Status: plan.NodePending}
		}
		p.States[n.ID] = state
	}

	// Resolve dependency references in a second pass, once every node is
	// indexed.
	for i := range meta.Nodes {
		nm := &meta.Nodes[i]
		n := p.Nodes[nm.ID]
		for _, ref := range nm.Dependencies {
			id, ok := p.ResolveRef(ref)
			if !ok {
				return nil, fmt.Errorf("%w: node %s references %q", gerrors.ErrPlanCorrupted, nm.ID, ref)
			}
			n.Dependencies = append(n.Dependencies, id)
		}
	}

	p.RebuildEdges()
	p.RollupGroups()
	return p, nil
}
