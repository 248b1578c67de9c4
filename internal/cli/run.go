package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/marcin-skalski/hydra/internal/tui"
)

var runNoTUI bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator until interrupted",
	Long: `Run polls GitHub, keeps the issue store fresh, syncs memory and metrics,
and resolves merge conflicts on HITL issues. It stops on SIGINT/SIGTERM or on
an authentication failure, and pauses while the agent's credits are exhausted.

The dashboard starts when stdin and stdout are terminals; pass --no-tui or set
HYDRA_TUI=0 to run headless.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		enableTUI := !runNoTUI && os.Getenv("HYDRA_TUI") != "0" &&
			isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())

		a, err := newApp(cfg, enableTUI, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		d := a.daemon()
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !enableTUI {
			a.logger.Info("hydra starting (headless)", "repo", cfg.Repo, "run_id", d.RunID())
			return d.Run(ctx)
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		p := tea.NewProgram(tui.NewModel(d, cfg.TUI.RefreshInterval), tea.WithAltScreen(), tea.WithContext(ctx))

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("hydra daemon starting in background", "repo", cfg.Repo, "run_id", d.RunID())
			errCh <- d.Run(ctx)
			p.Quit()
		}()

		_, tuiErr := p.Run()
		interrupted := ctx.Err() != nil
		cancel()
		if err := <-errCh; err != nil {
			return err
		}
		if tuiErr != nil && !interrupted {
			return fmt.Errorf("tui: %w", tuiErr)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoTUI, "no-tui", false, "disable the dashboard")
}
