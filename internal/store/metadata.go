package store

import (
	"time"

	"github.com/gantryhq/gantry/internal/plan"
)

// NodeMetadata is the cheap, scannable record of one node. Work specs are
// not inlined here; HasSpec records which phases have a spec so readers can
// answer "does this node have work" without touching the spec documents.
type NodeMetadata struct {
	ID         string `json:"id"`
	ProducerID string `json:"producer_id"`
	Name       string `json:"name"`
	Task       string `json:"task,omitempty"`

	// Dependencies may reference producer IDs (pre-finalization) or node
	// IDs (post-finalization); reconstruction resolves both.
	Dependencies []string `json:"dependencies,omitempty"`

	BaseBranch       string `json:"base_branch,omitempty"`
	GroupPath        string `json:"group_path,omitempty"`
	ExpectsNoChanges bool   `json:"expects_no_changes,omitempty"`
	AutoHeal         bool   `json:"auto_heal"`

	// HasSpec flags which phases have a work spec stored on disk.
	HasSpec map[plan.Phase]bool `json:"has_spec,omitempty"`

	// State is the node's execution state, persisted inline because it is
	// small and read on every scan.
	State *plan.ExecutionState `json:"state,omitempty"`
}

// PlanMetadata is the single JSON document persisted per plan. Everything
// needed to list plans, check status, and reconstruct the in-memory Plan
// lives here; work specs live in their own per-node documents.
type PlanMetadata struct {
	// FormatVersion identifies the metadata layout. Version 1 was the
	// legacy single-file format; version 2 is the split layout.
	FormatVersion int `json:"format_version"`

	ID   string        `json:"id"`
	Spec plan.UserSpec `json:"spec"`

	Nodes []NodeMetadata `json:"nodes"`

	// ProducerIndex carries the stable producerID -> nodeID mapping so
	// reconstruction never regenerates IDs.
	ProducerIndex map[string]string `json:"producer_id_to_node_id"`

	Groups map[string]*plan.Group `json:"groups,omitempty"`

	Parent *plan.ParentLink `json:"parent,omitempty"`

	RepoPath     string `json:"repo_path"`
	WorktreeRoot string `json:"worktree_root"`
	BaseCommit   string `json:"base_commit,omitempty"`

	Snapshot *plan.SnapshotBranch `json:"snapshot,omitempty"`

	StateVersion int64               `json:"state_version"`
	Status       plan.PlanStatus     `json:"status"`
	Paused       bool                `json:"paused,omitempty"`
	History      []plan.StatusChange `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CurrentFormatVersion is the metadata layout this package writes.
const CurrentFormatVersion = 2

// NodeMeta returns the metadata entry for a node ID, or nil.
func (m *PlanMetadata) NodeMeta(nodeID string) *NodeMetadata {
	for i := range m.Nodes {
		if m.Nodes[i].ID == nodeID {
			return &m.Nodes[i]
		}
	}
	return nil
}
