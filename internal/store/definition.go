package store

import (
	"github.com/gantryhq/gantry/internal/dag"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/workspec"
)

// Definition wraps stored metadata plus the Store to give read-only,
// lazily-loaded access to a plan's topology and specs without
// materializing a full in-memory Plan.
//
// Every spec accessor re-reads from the Store. There is no caching on
// purpose: the Store is the single source of truth across process
// restarts, and correctness wins over performance here.
type Definition struct {
	meta  *PlanMetadata
	store *Store
}

// OpenDefinition loads a plan's metadata and returns a Definition over it.
func OpenDefinition(s *Store, planID string) (*Definition, error) {
	meta, err := s.ReadMetadata(planID)
	if err != nil {
		return nil, err
	}
	return &Definition{meta: meta, store: s}, nil
}

// ID returns the plan ID.
func (d *Definition) ID() string {
	return d.meta.ID
}

// Spec returns the operator-authored plan spec.
func (d *Definition) Spec() plan.UserSpec {
	return d.meta.Spec
}

// Status returns the stored plan status. Callers needing a trustworthy
// value should derive it from node states instead.
func (d *Definition) Status() plan.PlanStatus {
	return d.meta.Status
}

// StateVersion returns the stored state version.
func (d *Definition) StateVersion() int64 {
	return d.meta.StateVersion
}

// NodeIDs returns the IDs of every node, in document order.
func (d *Definition) NodeIDs() []string {
	ids := make([]string, 0, len(d.meta.Nodes))
	for i := range d.meta.Nodes {
		ids = append(ids, d.meta.Nodes[i].ID)
	}
	return ids
}

// Node returns the metadata for one node, or nil.
func (d *Definition) Node(nodeID string) *NodeMetadata {
	return d.meta.NodeMeta(nodeID)
}

// Topology returns the dag.Job view of the stored plan.
func (d *Definition) Topology() []dag.Job {
	jobs := make([]dag.Job, 0, len(d.meta.Nodes))
	for i := range d.meta.Nodes {
		nm := &d.meta.Nodes[i]
		jobs = append(jobs, dag.Job{ID: nm.ID, Dependencies: nm.Dependencies})
	}
	return jobs
}

// HasWork reports whether the node has a spec for the given phase,
// according to the stored flags.
func (d *Definition) HasWork(nodeID string, phase plan.Phase) bool {
	nm := d.meta.NodeMeta(nodeID)
	return nm != nil && nm.HasSpec[phase]
}

// WorkSpec re-reads the node's current spec for a phase from the Store.
func (d *Definition) WorkSpec(nodeID string, phase plan.Phase) (*workspec.Spec, error) {
	return d.store.ReadSpec(d.meta.ID, nodeID, phase)
}
