package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the execution engine",
	Long: `Run the execution engine in the foreground: recover persisted plans,
pump the scheduler, and execute nodes until interrupted. Plans created
while the engine is running are picked up by their own instance; plans on
disk are recovered at startup.

Stop with SIGINT or SIGTERM; in-flight phases observe cancellation at
the next phase boundary and node state is persisted before exit.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.engine.LoadPlans(ctx); err != nil {
		return err
	}
	fmt.Printf("engine running, %d plan(s) loaded\n", len(rt.engine.ListPlans()))

	if err := rt.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("engine stopped")
	return nil
}
