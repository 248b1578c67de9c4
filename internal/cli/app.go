package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/marcin-skalski/hydra/internal/agent"
	"github.com/marcin-skalski/hydra/internal/config"
	"github.com/marcin-skalski/hydra/internal/daemon"
	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/git"
	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/logging"
	"github.com/marcin-skalski/hydra/internal/memory"
	"github.com/marcin-skalski/hydra/internal/metrics"
	"github.com/marcin-skalski/hydra/internal/state"
	"github.com/marcin-skalski/hydra/internal/store"
	"github.com/marcin-skalski/hydra/internal/subprocess"
	"github.com/marcin-skalski/hydra/internal/unsticker"
	"github.com/marcin-skalski/hydra/internal/worker"
)

// app wires every component from one config.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	runner    *subprocess.Runner
	gh        *github.Client
	git       *git.Client
	agent     *agent.Client
	eventLog  *events.Log
	bus       *events.Bus
	state     *state.Tracker
	store     *store.IssueStore
	memory    *memory.Manager
	metrics   *metrics.Manager
	unsticker *unsticker.Unsticker
	outcomes  *worker.Outcomes
}

func newApp(cfg *config.Config, quiet bool, stderr io.Writer) (*app, error) {
	logger, closer, err := logging.Setup(logging.Options{
		File:   cfg.LogFile,
		Level:  cfg.Log.Level,
		Quiet:  quiet,
		Stderr: stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	st, err := state.Load(cfg.StateFile, logger.With("component", "state"))
	if err != nil {
		closer.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, logCloser: closer, state: st}

	a.runner = subprocess.NewRunner(subprocess.Options{
		Token:      cfg.GHToken,
		Timeout:    cfg.CommandTimeout,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}, logger.With("component", "subprocess"))

	a.gh = github.NewClient(a.runner, cfg.Repo, logger.With("component", "github"))
	a.git = git.NewClient(a.runner, git.Options{
		Workdir:    cfg.Workdir,
		Repo:       cfg.Repo,
		RemoteURL:  cfg.RemoteURL,
		BaseBranch: cfg.BaseBranch,
	}, logger.With("component", "git"))
	a.agent = agent.NewClient(a.runner, agent.Options{
		Command: cfg.Agent.Command,
		Model:   cfg.Agent.Model,
		Timeout: cfg.Agent.Timeout,
	}, logger.With("component", "agent"))

	a.eventLog = events.NewLog(cfg.EventsFile, logger.With("component", "events"))
	a.bus = events.NewBus(cfg.EventHistory, a.eventLog, logger.With("component", "bus"))

	a.store = store.New(a.gh, a.bus, store.Options{
		Labels:     stageLabels(cfg.Labels),
		FetchLimit: github.DefaultFetchLimit,
	}, logger.With("component", "store"))

	a.memory = memory.NewManager(a.gh, a.state, a.bus, memory.Options{
		DigestPath:       cfg.DigestFile,
		MemoryLabels:     cfg.Labels.Memory,
		SuggestionLabels: []string{cfg.Labels.HITL[0], cfg.Labels.Improve[0]},
		MaxEntries:       cfg.MaxMemoryEntries,
		MaxChars:         cfg.MaxMemoryChars,
	}, logger.With("component", "memory"))

	a.metrics = metrics.NewManager(a.gh, a.store, a.state, a.bus, metrics.Options{
		TrackingLabels: cfg.Labels.Metrics,
		OpenLabels:     cfg.Labels.Named(),
		ClosedLabels:   cfg.Labels.Fixed,
		Thresholds: metrics.Thresholds{
			QualityFixRate: cfg.QualityFixRateThreshold,
			ApprovalRate:   cfg.ApprovalRateThreshold,
			HITLRate:       cfg.HITLRateThreshold,
			MinSample:      cfg.MetricsMinSample,
		},
	}, logger.With("component", "metrics"))

	a.unsticker = unsticker.New(unsticker.Deps{
		GitHub:    a.gh,
		Worktrees: a.git,
		Agent:     a.agent,
		Memory:    a.memory,
		State:     a.state,
		Runner:    a.runner,
		Bus:       a.bus,
	}, unsticker.Options{
		BatchSize:      cfg.UnstickBatchSize,
		MaxAttempts:    cfg.MaxMergeConflictFixAttempts,
		MaxWorkers:     cfg.MaxHITLWorkers,
		TranscriptDir:  cfg.TranscriptDir,
		VerifyCommand:  cfg.VerifyCommand,
		PipelineLabels: cfg.Labels.Pipeline(),
		ActiveLabels:   cfg.Labels.HITLActive,
		HITLLabel:      cfg.Labels.HITL[0],
		DefaultOrigin:  cfg.Labels.Review[0],
	}, logger.With("component", "unsticker"))

	a.outcomes = worker.NewOutcomes(a.state, a.gh, a.bus, worker.OutcomeOptions{
		StageLabels: stageLabels(cfg.Labels),
		HITLLabel:   cfg.Labels.HITL[0],
		MaxAttempts: cfg.MaxIssueAttempts,
	}, logger.With("component", "worker"))

	return a, nil
}

func (a *app) daemon() *daemon.Daemon {
	cfg := a.cfg
	return daemon.New(daemon.Deps{
		Store:     a.store,
		Bus:       a.bus,
		Memory:    a.memory,
		Metrics:   a.metrics,
		Unsticker: a.unsticker,
		EventLog:  a.eventLog,
		Outcomes:  a.outcomes,
	}, daemon.Options{
		Repo:                cfg.Repo,
		PollInterval:        cfg.PollInterval,
		WorkerInterval:      cfg.WorkerInterval,
		MemorySyncInterval:  cfg.MemorySyncInterval,
		MetricsSyncInterval: cfg.MetricsSyncInterval,
		UnstickInterval:     cfg.UnstickInterval,
		EventRotateInterval: cfg.EventRotateInterval,
		CreditPauseFallback: cfg.CreditPauseFallback,
		EventLogMaxBytes:    cfg.EventLogMaxBytes,
		EventLogMaxAgeDays:  cfg.EventLogMaxAgeDays,
		PoolSizes: map[store.Stage]int{
			store.StageFind:   cfg.MaxTriagers,
			store.StagePlan:   cfg.MaxPlanners,
			store.StageReady:  cfg.MaxWorkers,
			store.StageReview: cfg.MaxReviewers,
		},
	}, a.logger.With("component", "daemon"))
}

// Close flushes the event log and the log file.
func (a *app) Close() {
	a.bus.Close()
	a.logCloser.Close()
}

func stageLabels(l config.Labels) map[store.Stage][]string {
	return map[store.Stage][]string{
		store.StageFind:   l.Find,
		store.StagePlan:   l.Plan,
		store.StageReady:  l.Ready,
		store.StageReview: l.Review,
		store.StageHITL:   append(append([]string(nil), l.HITL...), l.HITLActive...),
	}
}

// openApp loads the config and wires the app for a one-shot command.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, true, cmd.ErrOrStderr())
}
