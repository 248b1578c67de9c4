package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Snapshot and inspect pipeline metrics",
}

var metricsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Post a metrics snapshot to the tracking issue if it changed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.store.Refresh(ctx); err != nil {
			a.logger.Warn("refresh before metrics sync failed", "err", err)
		}
		res, err := a.metrics.Sync(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Metrics %s (issue #%d)\n", res.Status, res.Issue)
		for _, al := range res.Alerts {
			fmt.Fprintf(out, "  alert: %s\n", al.Message)
		}
		return nil
	},
}

var metricsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show snapshots recorded on the tracking issue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		history, err := a.metrics.FetchHistoryFromIssue(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(history) == 0 {
			fmt.Fprintln(out, "No snapshots recorded.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tCOMPLETED\tMERGED\tMERGE RATE\tQUALITY FIX\tHITL RATE\tAPPROVAL")
		for _, s := range history {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t%.2f\n",
				s.Timestamp, s.IssuesCompleted, s.PRsMerged,
				s.MergeRate, s.QualityFixRate, s.HITLEscalationRate, s.FirstPassApprovalRate)
		}
		return w.Flush()
	},
}

func init() {
	metricsCmd.AddCommand(metricsSyncCmd)
	metricsCmd.AddCommand(metricsHistoryCmd)
}
