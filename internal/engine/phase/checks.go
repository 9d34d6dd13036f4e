package phase

import (
	"context"

	"github.com/gantryhq/gantry/internal/plan"
)

// Checks runs the node's prechecks or postchecks work spec. Nodes without
// one skip the phase.
type Checks struct {
	Which plan.Phase
}

func (c Checks) Phase() plan.Phase { return c.Which }

func (c Checks) Execute(ctx context.Context, pc *Context) Result {
	spec := pc.Node.SpecFor(c.Which)
	if spec == nil {
		return skipped("no " + c.Which.String() + " spec")
	}
	return runSpec(ctx, pc, spec, c.Which)
}
