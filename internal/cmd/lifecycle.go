package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// The lifecycle commands share a shape: load persisted plans, apply one
// mutation through the engine service, persist on close. Each invocation
// takes the plan's advisory lock, so they refuse plans held by a running
// engine instance.

// lockNote is appended to every lifecycle command's long help.
const lockNote = `

This command takes the plan's advisory lock and fails when a running
'gantry run' engine holds it; stop that engine before mutating its
plans from another process.`

var startCmd = &cobra.Command{
	Use:   "start <plan-id>",
	Short: "Start a plan",
	Long: `Start a plan: capture the base commit, create the snapshot branch that
accumulates merge-back results, and make the plan schedulable. A running
'gantry run' instance executes the nodes.` + lockNote,
	Args: cobra.ExactArgs(1),
	RunE: lifecycleRunE(func(ctx context.Context, rt *runtime, args []string) error {
		return rt.engine.Start(ctx, args[0])
	}, "started plan %s"),
}

var pauseCmd = &cobra.Command{
	Use:   "pause <plan-id>",
	Short: "Pause a plan",
	Long: `Pause a plan: stop admitting nodes. Running nodes finish their current
attempt; the plan settles into paused once they drain.` + lockNote,
	Args: cobra.ExactArgs(1),
	RunE: lifecycleRunE(func(ctx context.Context, rt *runtime, args []string) error {
		return rt.engine.Pause(ctx, args[0])
	}, "paused plan %s"),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <plan-id>",
	Short: "Resume a paused plan",
	Long:  `Resume a paused plan: ready nodes are admitted again.` + lockNote,
	Args:  cobra.ExactArgs(1),
	RunE: lifecycleRunE(func(ctx context.Context, rt *runtime, args []string) error {
		return rt.engine.Resume(ctx, args[0])
	}, "resumed plan %s"),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <plan-id>",
	Short: "Cancel a plan",
	Long: `Cancel a plan: running nodes are stopped at the next phase boundary and
everything non-terminal moves to canceled. Idempotent.` + lockNote,
	Args: cobra.ExactArgs(1),
	RunE: lifecycleRunE(func(ctx context.Context, rt *runtime, args []string) error {
		return rt.engine.Cancel(ctx, args[0])
	}, "canceled plan %s"),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <plan-id>",
	Short: "Delete a plan and its persisted state",
	Long:  `Delete a plan from disk. Plans with running nodes must be canceled first.` + lockNote,
	Args:  cobra.ExactArgs(1),
	RunE: lifecycleRunE(func(ctx context.Context, rt *runtime, args []string) error {
		return rt.engine.Delete(ctx, args[0])
	}, "deleted plan %s"),
}

var forceFailCmd = &cobra.Command{
	Use:   "force-fail <plan-id> <node>",
	Short: "Force a node out of the schedule",
	Long: `Force a node out of the schedule. A scheduled or running node is failed
(its process canceled); a pending or ready node is canceled outright.
The node reference may be its stable ID or its plan-file id.` + lockNote,
	Args: cobra.ExactArgs(2),
	RunE: lifecycleRunE(func(ctx context.Context, rt *runtime, args []string) error {
		return rt.engine.ForceFailNode(ctx, args[0], args[1])
	}, "force-failed node in plan %s"),
}

var retryCmd = &cobra.Command{
	Use:   "retry <plan-id> [node]",
	Short: "Retry failed nodes",
	Long: `Retry a failed or canceled node, or every failed node in the plan when
no node is given. Blocked descendants become schedulable again. With
--resume-session, agent work resumes its previous conversation instead
of starting fresh.` + lockNote,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRetry,
}

func init() {
	retryCmd.Flags().Bool("resume-session", false, "resume the agent session of retried nodes")
	rootCmd.AddCommand(startCmd, pauseCmd, resumeCmd, cancelCmd, deleteCmd, forceFailCmd, retryCmd)
}

// lifecycleRunE wraps a single engine mutation with runtime setup, plan
// recovery, and a success message.
func lifecycleRunE(op func(context.Context, *runtime, []string) error, doneFmt string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx := cmd.Context()
		if err := rt.engine.LoadPlans(ctx); err != nil {
			return err
		}
		if err := op(ctx, rt, args); err != nil {
			return err
		}
		fmt.Printf(doneFmt+"\n", args[0])
		return nil
	}
}

func runRetry(cmd *cobra.Command, args []string) error {
	resume, _ := cmd.Flags().GetBool("resume-session")
	nodeID := ""
	if len(args) > 1 {
		nodeID = args[1]
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := cmd.Context()
	if err := rt.engine.LoadPlans(ctx); err != nil {
		return err
	}
	if err := rt.engine.Retry(ctx, args[0], nodeID, resume); err != nil {
		return err
	}
	if nodeID != "" {
		fmt.Printf("retrying node %s in plan %s\n", nodeID, args[0])
	} else {
		fmt.Printf("retrying failed nodes in plan %s\n", args[0])
	}
	return nil
}
