package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/planfile"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a plan from a YAML plan file",
	Long: `Create a plan from a YAML plan file. The plan is validated, assigned
stable node IDs, and persisted. Unless --start is given (or the file sets
pause_on_create: false and you pass --start), the plan waits for an
explicit 'gantry start'.`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringP("file", "f", "", "plan file to create the plan from (required)")
	createCmd.Flags().String("repo", ".", "git repository the plan operates on")
	createCmd.Flags().Bool("start", false, "start the plan immediately after creating it")
	_ = createCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	repo, _ := cmd.Flags().GetString("repo")
	start, _ := cmd.Flags().GetBool("start")

	repoPath, err := filepath.Abs(repo)
	if err != nil {
		return fmt.Errorf("resolve repository path: %w", err)
	}

	f, err := planfile.Load(file)
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	p, err := f.Build(repoPath, rt.cfg.Paths.ResolveWorktreeDir(repoPath))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := rt.engine.CreatePlan(ctx, p); err != nil {
		return err
	}
	fmt.Printf("created plan %s (%s, %d nodes)\n", p.ID, p.Spec.Name, len(p.Nodes))

	if start {
		if err := rt.engine.Start(ctx, p.ID); err != nil {
			return err
		}
		fmt.Printf("started plan %s from %s\n", p.ID, p.Spec.BaseBranch)
	}
	return nil
}
