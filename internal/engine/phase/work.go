package phase

import (
	"context"

	"github.com/gantryhq/gantry/internal/plan"
)

// Work runs the node's work spec. A node without one is a pure
// integration point (merge-forward plus checks) and skips the phase.
type Work struct{}

func (Work) Phase() plan.Phase { return plan.PhaseWork }

func (Work) Execute(ctx context.Context, pc *Context) Result {
	if pc.Node.Work == nil {
		return skipped("no work spec")
	}
	return runSpec(ctx, pc, pc.Node.Work, plan.PhaseWork)
}
