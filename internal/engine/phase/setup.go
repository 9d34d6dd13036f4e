package phase

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gantryhq/gantry/internal/plan"
)

// Setup prepares the worktree for the user-supplied phases: it creates
// the scratch directory and writes the node's task description where the
// agent and the evidence validator can find it.
type Setup struct{}

func (Setup) Phase() plan.Phase { return plan.PhaseSetup }

func (Setup) Execute(ctx context.Context, pc *Context) Result {
	scratch := filepath.Join(pc.Worktree, ScratchDirName)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return failure(plan.FailureExecution, "create scratch dir: %v", err)
	}

	if pc.Node.Task != "" {
		task := "# " + pc.Node.Name + "\n\n" + pc.Node.Task + "\n"
		if err := os.WriteFile(filepath.Join(scratch, "task.md"), []byte(task), 0o644); err != nil {
			return failure(plan.FailureExecution, "write task description: %v", err)
		}
	}
	return success()
}
