package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/memory"
	"github.com/marcin-skalski/hydra/internal/metrics"
	"github.com/marcin-skalski/hydra/internal/store"
	"github.com/marcin-skalski/hydra/internal/subprocess"
	"github.com/marcin-skalski/hydra/internal/worker"
)

type fakeFetcher struct {
	issues []github.Issue
}

func (f *fakeFetcher) FetchPipelineIssues(context.Context, []string, int) ([]github.Issue, error) {
	return f.issues, nil
}

// scriptedSync returns the scripted errors in order, then runs last.
type scriptedSync struct {
	mu    sync.Mutex
	errs  []error
	calls int
	last  func()
}

func (s *scriptedSync) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	if s.last != nil {
		s.last()
	}
	return nil
}

func (s *scriptedSync) Sync(context.Context) (memory.SyncResult, error) {
	return memory.SyncResult{Status: memory.StatusUnchanged}, s.next()
}

type fakeMetrics struct {
	snap *metrics.Snapshot
}

func (f *fakeMetrics) Sync(context.Context) (metrics.SyncResult, error) {
	return metrics.SyncResult{Status: metrics.StatusUnchanged}, nil
}

func (f *fakeMetrics) Latest() (metrics.Snapshot, bool) {
	if f.snap == nil {
		return metrics.Snapshot{}, false
	}
	return *f.snap, true
}

var labels = map[store.Stage][]string{
	store.StageFind:   {"hydra-find"},
	store.StagePlan:   {"hydra-plan"},
	store.StageReady:  {"hydra-ready"},
	store.StageReview: {"hydra-review"},
	store.StageHITL:   {"hydra-hitl", "hydra-hitl-active"},
}

type harness struct {
	bus    *events.Bus
	store  *store.IssueStore
	now    time.Time
	sleeps []time.Duration
	mu     sync.Mutex
}

func newHarness(t *testing.T, issues ...github.Issue) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(500, nil, logger)
	t.Cleanup(bus.Close)
	return &harness{
		bus:   bus,
		store: store.New(&fakeFetcher{issues: issues}, bus, store.Options{Labels: labels}, logger),
		now:   time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
	}
}

// newDaemon builds a daemon whose loop sleeps block until cancellation and
// whose pause sleeps return immediately.
func (h *harness) newDaemon(deps Deps, opts Options) *Daemon {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps.Store = h.store
	deps.Bus = h.bus
	d := New(deps, opts, logger)
	d.now = func() time.Time { return h.now }
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		if dur == opts.MemorySyncInterval {
			<-ctx.Done()
			return ctx.Err()
		}
		h.mu.Lock()
		h.sleeps = append(h.sleeps, dur)
		h.mu.Unlock()
		return ctx.Err()
	}
	return d
}

func (h *harness) events(typ events.EventType) []events.Event {
	var out []events.Event
	for _, ev := range h.bus.History() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func runWithTimeout(t *testing.T, ctx context.Context, d *Daemon) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func creditErr(resumeAt time.Time) error {
	return &subprocess.Error{Kind: subprocess.KindCreditExhausted, Command: []string{"claude"}, ResumeAt: resumeAt}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	mem := &scriptedSync{last: cancel}
	d := h.newDaemon(Deps{Memory: mem}, Options{MemorySyncInterval: time.Hour})

	require.NoError(t, runWithTimeout(t, ctx, d))
	assert.Equal(t, 1, mem.calls)

	status := h.events(events.EventOrchestratorStatus)
	require.Len(t, status, 2)
	assert.Equal(t, "started", status[0].Data["status"])
	assert.Equal(t, "stopped", status[1].Data["status"])
	assert.Equal(t, d.RunID(), status[0].Data["run_id"])
	assert.Len(t, h.events(events.EventQueueUpdate), 1, "initial refresh")
}

func TestRun_NonFatalErrorContinues(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	mem := &scriptedSync{errs: []error{errors.New("flaky network")}, last: cancel}
	d := h.newDaemon(Deps{Memory: mem}, Options{MemorySyncInterval: time.Minute})
	// Loop sleeps must not block for this test.
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	require.NoError(t, runWithTimeout(t, ctx, d))
	assert.Equal(t, 2, mem.calls)

	errs := h.events(events.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "memory_sync", errs[0].Data["source"])
	assert.Equal(t, "flaky network", errs[0].Data["error"])
}

func TestRun_AuthFailureStops(t *testing.T) {
	h := newHarness(t)
	authErr := &subprocess.Error{Kind: subprocess.KindAuth, Command: []string{"gh"}, Stderr: "HTTP 401"}
	mem := &scriptedSync{errs: []error{authErr}}
	d := h.newDaemon(Deps{Memory: mem}, Options{MemorySyncInterval: time.Hour})

	err := runWithTimeout(t, context.Background(), d)
	require.Error(t, err)
	assert.True(t, subprocess.IsAuth(err))

	alerts := h.events(events.EventSystemAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "auth_failure", alerts[0].Data["kind"])
}

func TestRun_CreditExhaustionPausesUntilReset(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	resumeAt := h.now.Add(2 * time.Hour)
	mem := &scriptedSync{errs: []error{creditErr(resumeAt)}, last: cancel}
	d := h.newDaemon(Deps{Memory: mem}, Options{MemorySyncInterval: time.Minute})

	require.NoError(t, runWithTimeout(t, ctx, d))
	assert.Equal(t, 2, mem.calls, "loops restart after the pause")
	assert.Equal(t, []time.Duration{2 * time.Hour}, h.sleeps)

	alerts := h.events(events.EventSystemAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "credit_exhausted", alerts[0].Data["kind"])
	assert.Equal(t, resumeAt.Format(time.RFC3339), alerts[0].Data["resume_at"])

	var statuses []any
	for _, ev := range h.events(events.EventOrchestratorStatus) {
		statuses = append(statuses, ev.Data["status"])
	}
	assert.Equal(t, []any{"started", "resumed", "stopped"}, statuses)
}

func TestRun_CreditExhaustionFallbackPause(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	mem := &scriptedSync{errs: []error{creditErr(time.Time{})}, last: cancel}
	d := h.newDaemon(Deps{Memory: mem}, Options{MemorySyncInterval: time.Minute, CreditPauseFallback: 45 * time.Minute})

	require.NoError(t, runWithTimeout(t, ctx, d))
	assert.Equal(t, []time.Duration{45 * time.Minute}, h.sleeps)
}

func TestRun_WorkerPoolProcessesClaimedIssues(t *testing.T) {
	h := newHarness(t,
		github.Issue{Number: 1, Title: "one", Labels: []string{"hydra-ready"}},
		github.Issue{Number: 2, Title: "two", Labels: []string{"hydra-ready"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	handled := map[int]bool{}
	d := h.newDaemon(Deps{}, Options{WorkerInterval: 10 * time.Millisecond, PoolSizes: map[store.Stage]int{store.StageReady: 2}})
	d.Handle(store.StageReady, worker.HandlerFunc(func(_ context.Context, iss github.Issue) error {
		mu.Lock()
		defer mu.Unlock()
		handled[iss.Number] = true
		if len(handled) == 2 {
			cancel()
		}
		return nil
	}))

	require.NoError(t, runWithTimeout(t, ctx, d))
	assert.Equal(t, map[int]bool{1: true, 2: true}, handled)
	assert.Equal(t, 2, h.store.QueueStats().TotalProcessed)
	assert.False(t, h.store.IsActive(1))
}

type outcomeLog struct {
	mu        sync.Mutex
	succeeded []int
	failed    []int
}

func (o *outcomeLog) Succeeded(_ context.Context, _ store.Stage, iss github.Issue, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded = append(o.succeeded, iss.Number)
}

func (o *outcomeLog) Failed(_ context.Context, _ store.Stage, iss github.Issue, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, iss.Number)
}

func TestRun_PoolReportsOutcomes(t *testing.T) {
	h := newHarness(t,
		github.Issue{Number: 1, Title: "one", Labels: []string{"hydra-review"}},
		github.Issue{Number: 2, Title: "two", Labels: []string{"hydra-review"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outcomes := &outcomeLog{}
	var mu sync.Mutex
	seen := 0
	d := h.newDaemon(Deps{Outcomes: outcomes}, Options{WorkerInterval: 10 * time.Millisecond, PoolSizes: map[store.Stage]int{store.StageReview: 1}})
	d.Handle(store.StageReview, worker.HandlerFunc(func(_ context.Context, iss github.Issue) error {
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen == 2 {
			cancel()
		}
		if iss.Number == 2 {
			return errors.New("review failed")
		}
		return nil
	}))

	require.NoError(t, runWithTimeout(t, ctx, d))
	outcomes.mu.Lock()
	defer outcomes.mu.Unlock()
	assert.Equal(t, []int{1}, outcomes.succeeded)
	assert.Empty(t, outcomes.failed, "a run cut short by shutdown is not counted")
}

func TestGetSnapshot(t *testing.T) {
	h := newHarness(t,
		github.Issue{Number: 3, Title: "plan me", Labels: []string{"hydra-plan"}},
		github.Issue{Number: 4, Title: "stuck", Labels: []string{"hydra-hitl"}},
	)
	require.NoError(t, h.store.Refresh(context.Background()))

	m := &fakeMetrics{snap: &metrics.Snapshot{Timestamp: "2026-10-14T09:00:00Z", IssuesCompleted: 4, MergeRate: 0.75}}
	d := h.newDaemon(Deps{Metrics: m}, Options{Repo: "acme/widgets"})
	snap := d.GetSnapshot()

	assert.Equal(t, "acme/widgets", snap.Repo)
	assert.Equal(t, h.now, snap.Timestamp)
	require.Len(t, snap.Stages, 5)
	assert.Equal(t, "find", snap.Stages[0].Name)
	assert.Equal(t, "hitl", snap.Stages[4].Name)
	require.Len(t, snap.Stages[1].Issues, 1)
	assert.Equal(t, 3, snap.Stages[1].Issues[0].Number)
	assert.Equal(t, store.StatusQueued, snap.Stages[1].Issues[0].Status)
	assert.Equal(t, 1, snap.Queued)
	assert.Equal(t, 1, snap.HITL)
	require.NotNil(t, snap.Metrics)
	assert.Equal(t, 0.75, snap.Metrics.MergeRate)
	assert.True(t, snap.PausedUntil.IsZero())
}
