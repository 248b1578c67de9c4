package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcin-skalski/hydra/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

const defaultConfigPath = "hydra.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hydra",
	Short: "Label-driven pipeline for AI coding agents",
	Long: `hydra moves GitHub issues through find, plan, ready and review stages,
escalating to humans (HITL) when an agent gets stuck.

GitHub issue labels are the durable state; everything under the workdir is a
cache that can be rebuilt. Configuration comes from a YAML file with HYDRA_*
environment overrides.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(unstickCmd)
}

// loadConfig reads --config. A missing default file falls back to defaults
// plus environment so hydra can run from HYDRA_* variables alone.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}
