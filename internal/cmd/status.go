package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/store"
)

// Status commands read plan metadata straight from the store without
// taking plan locks, so they work alongside a running engine instance.

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all plans",
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <plan-id>",
	Short: "Show a plan's nodes and their states",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(listCmd, statusCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return store.New(cfg.Paths.ResolveDataDir())
}

func runList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	ids, err := st.ListPlans()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no plans")
		return nil
	}

	metas := make([]*store.PlanMetadata, len(ids))
	g, _ := errgroup.WithContext(cmd.Context())
	g.SetLimit(8)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			meta, err := st.ReadMetadata(id)
			if err != nil {
				return fmt.Errorf("read plan %s: %w", id, err)
			}
			metas[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.Before(metas[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tNODES\tBASE\tTARGET\tAGE")
	for _, meta := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			meta.ID, meta.Spec.Name, meta.Status, len(meta.Nodes),
			meta.Spec.BaseBranch, meta.Spec.TargetBranch, formatAge(meta.CreatedAt))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	meta, err := st.ReadMetadata(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s  [%s]\n", meta.ID, meta.Spec.Name, meta.Status)
	fmt.Printf("  base %s  target %s", meta.Spec.BaseBranch, meta.Spec.TargetBranch)
	if meta.BaseCommit != "" {
		fmt.Printf("  at %.12s", meta.BaseCommit)
	}
	fmt.Println()
	if meta.Snapshot != nil {
		fmt.Printf("  snapshot %s\n", meta.Snapshot.Name)
	}
	fmt.Println()

	nodes := append([]store.NodeMetadata(nil), meta.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ProducerID < nodes[j].ProducerID })

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATUS\tATTEMPTS\tCOMMIT\tDETAIL")
	for _, n := range nodes {
		status := plan.NodePending
		attempts := 0
		commit := "-"
		detail := ""
		if n.State != nil {
			status = n.State.Status
			attempts = n.State.Attempts()
			if n.State.CompletedCommit != "" {
				commit = fmt.Sprintf("%.12s", n.State.CompletedCommit)
			}
			detail = n.State.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", n.ProducerID, status, attempts, commit, detail)
	}
	return w.Flush()
}
