package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/memory"
	"github.com/marcin-skalski/hydra/internal/metrics"
	"github.com/marcin-skalski/hydra/internal/store"
	"github.com/marcin-skalski/hydra/internal/subprocess"
	"github.com/marcin-skalski/hydra/internal/unsticker"
	"github.com/marcin-skalski/hydra/internal/worker"
)

// DefaultReplayWindow bounds how much persisted history is replayed on start.
const DefaultReplayWindow = 24 * time.Hour

// Store is the subset of the issue store the daemon drives.
type Store interface {
	Refresh(ctx context.Context) error
	Run(ctx context.Context, interval time.Duration) error
	Claim(stage store.Stage, limit int) []github.Issue
	MarkComplete(n int)
	MarkDone(n int)
	HITLIssues() []github.Issue
	QueueStats() store.QueueStats
	PipelineSnapshot() map[store.Stage][]store.PipelineIssue
}

type Bus interface {
	Publish(typ events.EventType, data map[string]any) events.Event
	LoadHistoryFromDisk(since time.Time) (int, error)
}

type MemorySyncer interface {
	Sync(ctx context.Context) (memory.SyncResult, error)
}

type MetricsSyncer interface {
	Sync(ctx context.Context) (metrics.SyncResult, error)
	Latest() (metrics.Snapshot, bool)
}

type Unsticker interface {
	ItemsFrom(src unsticker.HITLSource) []unsticker.Item
	Unstick(ctx context.Context, items []unsticker.Item) (unsticker.Result, error)
}

type Rotator interface {
	Rotate(maxBytes int64, maxAgeDays int) error
}

// Deps are the components the daemon schedules. Nil optional components
// disable their loop.
type Deps struct {
	Store     Store
	Bus       Bus
	Memory    MemorySyncer
	Metrics   MetricsSyncer
	Unsticker Unsticker
	EventLog  Rotator
	Outcomes  worker.Recorder
}

// Options holds loop intervals; a zero interval disables that loop.
type Options struct {
	Repo string

	PollInterval        time.Duration
	WorkerInterval      time.Duration
	MemorySyncInterval  time.Duration
	MetricsSyncInterval time.Duration
	UnstickInterval     time.Duration
	EventRotateInterval time.Duration

	CreditPauseFallback time.Duration
	ReplayWindow        time.Duration

	EventLogMaxBytes   int64
	EventLogMaxAgeDays int

	// PoolSizes caps concurrent handler runs per stage.
	PoolSizes map[store.Stage]int
}

type Daemon struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	runID  string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	handlers map[store.Stage]worker.Handler

	mu          sync.Mutex
	pools       []*worker.Pool
	pausedUntil time.Time
}

func New(deps Deps, opts Options, logger *slog.Logger) *Daemon {
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = DefaultReplayWindow
	}
	if opts.CreditPauseFallback <= 0 {
		opts.CreditPauseFallback = time.Hour
	}
	if opts.WorkerInterval <= 0 {
		opts.WorkerInterval = 5 * time.Second
	}
	runID := uuid.NewString()
	return &Daemon{
		deps:     deps,
		opts:     opts,
		logger:   logger.With("run_id", runID),
		runID:    runID,
		now:      time.Now,
		sleep:    sleepContext,
		handlers: make(map[store.Stage]worker.Handler),
	}
}

func (d *Daemon) RunID() string { return d.runID }

// Handle registers the handler for a work stage. Stages without a handler
// get no worker pool. Must be called before Run.
func (d *Daemon) Handle(stage store.Stage, h worker.Handler) {
	d.handlers[stage] = h
}

// Run replays history and runs every loop until ctx is done. Credit
// exhaustion pauses all loops until the reported reset; an auth failure
// stops the daemon with an error.
func (d *Daemon) Run(ctx context.Context) error {
	if n, err := d.deps.Bus.LoadHistoryFromDisk(d.now().Add(-d.opts.ReplayWindow)); err != nil {
		d.logger.Warn("event history replay failed", "err", err)
	} else {
		d.logger.Info("replayed event history", "events", n)
	}
	d.status("started", nil)
	d.logger.Info("daemon started", "repo", d.opts.Repo, "poll_interval", d.opts.PollInterval)

	for {
		err := d.runLoops(ctx)
		if ctx.Err() != nil {
			d.status("stopped", nil)
			d.logger.Info("daemon stopped")
			return nil
		}
		if err == nil {
			d.status("stopped", nil)
			return nil
		}

		if subprocess.IsAuth(err) {
			d.alert("auth_failure", err, nil)
			d.status("stopped", map[string]any{"reason": "auth_failure"})
			return fmt.Errorf("authentication failed: %w", err)
		}
		resumeAt, ok := subprocess.CreditResumeAt(err)
		if !ok {
			d.status("stopped", map[string]any{"reason": "error"})
			return err
		}

		resume := d.resumeTime(resumeAt)
		d.setPaused(resume)
		d.alert("credit_exhausted", err, map[string]any{"resume_at": resume.UTC().Format(time.RFC3339)})
		d.logger.Warn("credits exhausted, pausing loops", "resume_at", resume, "err", err)
		if err := d.sleep(ctx, resume.Sub(d.now())); err != nil {
			d.setPaused(time.Time{})
			d.status("stopped", nil)
			return nil
		}
		d.setPaused(time.Time{})
		d.logger.Info("resuming after credit pause")
		d.status("resumed", nil)
	}
}

func (d *Daemon) resumeTime(resumeAt time.Time) time.Time {
	now := d.now()
	if resumeAt.IsZero() || !resumeAt.After(now) {
		return now.Add(d.opts.CreditPauseFallback)
	}
	return resumeAt
}

// runLoops runs one generation of loops. It returns the first fatal error,
// or nil once ctx is done.
func (d *Daemon) runLoops(ctx context.Context) error {
	if err := d.deps.Store.Refresh(ctx); err != nil {
		if subprocess.IsFatal(err) {
			return err
		}
		d.logger.Warn("initial refresh failed", "err", err)
		d.publishError("issue_store", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if d.opts.PollInterval > 0 {
		g.Go(func() error { return d.deps.Store.Run(gctx, d.opts.PollInterval) })
	}
	if d.deps.Memory != nil {
		g.Go(func() error {
			return d.loop(gctx, "memory_sync", d.opts.MemorySyncInterval, func(ctx context.Context) error {
				_, err := d.deps.Memory.Sync(ctx)
				return err
			})
		})
	}
	if d.deps.Metrics != nil {
		g.Go(func() error {
			return d.loop(gctx, "metrics_sync", d.opts.MetricsSyncInterval, func(ctx context.Context) error {
				_, err := d.deps.Metrics.Sync(ctx)
				return err
			})
		})
	}
	if d.deps.Unsticker != nil {
		g.Go(func() error {
			return d.loop(gctx, "pr_unsticker", d.opts.UnstickInterval, d.unstick)
		})
	}
	if d.deps.EventLog != nil {
		g.Go(func() error {
			return d.loop(gctx, "event_rotation", d.opts.EventRotateInterval, func(context.Context) error {
				return d.deps.EventLog.Rotate(d.opts.EventLogMaxBytes, d.opts.EventLogMaxAgeDays)
			})
		})
	}

	pools := d.newPools()
	for _, p := range pools {
		g.Go(func() error { return p.Run(gctx, d.opts.WorkerInterval) })
	}

	return g.Wait()
}

func (d *Daemon) newPools() []*worker.Pool {
	var pools []*worker.Pool
	for _, st := range store.WorkStages {
		h, ok := d.handlers[st]
		if !ok {
			continue
		}
		pools = append(pools, worker.NewPool(st, d.opts.PoolSizes[st], h, d.deps.Store, d.deps.Outcomes, d.deps.Bus, d.logger))
	}
	d.mu.Lock()
	d.pools = pools
	d.mu.Unlock()
	return pools
}

func (d *Daemon) unstick(ctx context.Context) error {
	items := d.deps.Unsticker.ItemsFrom(d.deps.Store)
	if len(items) == 0 {
		return nil
	}
	_, err := d.deps.Unsticker.Unstick(ctx, items)
	return err
}

// loop runs fn immediately and then every interval. Non-fatal errors are
// logged and published; fatal errors end the loop.
func (d *Daemon) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		return nil
	}
	log := d.logger.With("loop", name)
	for {
		if err := fn(ctx); err != nil {
			if subprocess.IsFatal(err) {
				return fmt.Errorf("%s: %w", name, err)
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("loop iteration failed", "err", err)
			d.publishError(name, err)
		}
		if err := d.sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

func (d *Daemon) status(status string, extra map[string]any) {
	data := map[string]any{"status": status, "run_id": d.runID}
	for k, v := range extra {
		data[k] = v
	}
	d.deps.Bus.Publish(events.EventOrchestratorStatus, data)
}

func (d *Daemon) alert(kind string, err error, extra map[string]any) {
	data := map[string]any{"kind": kind, "message": err.Error(), "run_id": d.runID}
	for k, v := range extra {
		data[k] = v
	}
	d.deps.Bus.Publish(events.EventSystemAlert, data)
}

func (d *Daemon) publishError(source string, err error) {
	d.deps.Bus.Publish(events.EventError, map[string]any{"source": source, "error": err.Error()})
}

func (d *Daemon) setPaused(t time.Time) {
	d.mu.Lock()
	d.pausedUntil = t
	d.mu.Unlock()
}

func sleepContext(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
