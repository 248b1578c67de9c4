package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unstickDryRun bool

var unstickCmd = &cobra.Command{
	Use:   "unstick",
	Short: "Run one pass of merge-conflict resolution over HITL issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.store.Refresh(ctx); err != nil {
			return err
		}
		items := a.unsticker.ItemsFrom(a.store)

		out := cmd.OutOrStdout()
		if unstickDryRun {
			if len(items) == 0 {
				fmt.Fprintln(out, "No HITL issues.")
				return nil
			}
			for _, it := range items {
				fmt.Fprintf(out, "#%d\t%s\tcause=%q\n", it.Issue, it.Title, it.Cause)
			}
			return nil
		}

		res, err := a.unsticker.Unstick(ctx, items)
		fmt.Fprintf(out, "Processed %d, resolved %d, failed %d, skipped %d\n",
			res.Processed, res.Resolved, res.Failed, res.Skipped)
		return err
	},
}

func init() {
	unstickCmd.Flags().BoolVar(&unstickDryRun, "dry-run", false, "list candidate issues without touching them")
}
