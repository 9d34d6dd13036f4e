package plan

import (
	"strings"

	"github.com/google/uuid"
)

// NewPlanID generates a stable plan identifier.
func NewPlanID() string {
	return "plan-" + shortUUID()
}

// NewNodeID generates a stable node identifier. IDs are assigned exactly
// once, at authoring time; reconstruction from metadata reuses them.
func NewNodeID() string {
	return "node-" + shortUUID()
}

// shortUUID returns the first segment of a v4 UUID, which is unique enough
// within a single plan namespace while staying readable in paths and logs.
func shortUUID() string {
	id := uuid.NewString()
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i] + id[i+1:i+5]
	}
	return id
}
