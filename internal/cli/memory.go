package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage the accumulated learnings digest",
}

var memorySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Recompile the digest from accepted memory issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.memory.Sync(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Memory %s: %d issues (%s)\n", res.Status, res.Count, a.cfg.DigestFile)
		return nil
	},
}

var memoryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the compiled digest",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		digest, err := a.memory.LoadDigest()
		if err != nil {
			return err
		}
		if digest == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No digest yet. Run 'hydra memory sync'.")
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), digest)
		return nil
	},
}

func init() {
	memoryCmd.AddCommand(memorySyncCmd)
	memoryCmd.AddCommand(memoryShowCmd)
}
