package worker

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
	"github.com/marcin-skalski/hydra/internal/store"
	"github.com/marcin-skalski/hydra/internal/subprocess"
)

type fakeClaimer struct {
	mu       sync.Mutex
	queue    []github.Issue
	limits   []int
	complete []int
	done     []int
}

func (f *fakeClaimer) Claim(_ store.Stage, limit int) []github.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	n := min(limit, len(f.queue))
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out
}

func (f *fakeClaimer) MarkComplete(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete = append(f.complete, n)
}

func (f *fakeClaimer) MarkDone(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, n)
}

func (f *fakeClaimer) snapshot() (complete, done []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.complete...), append([]int(nil), f.done...)
}

func issues(nums ...int) []github.Issue {
	out := make([]github.Issue, len(nums))
	for i, n := range nums {
		out[i] = github.Issue{Number: n, Title: "t"}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPool_TickRespectsSize(t *testing.T) {
	claimer := &fakeClaimer{queue: issues(1, 2, 3)}
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, _ github.Issue) error {
		<-release
		return nil
	})
	bus := events.NewBus(100, nil, testLogger())
	defer bus.Close()

	p := NewPool(store.StageReady, 2, h, claimer, nil, bus, testLogger())
	assert.Equal(t, 2, p.Tick(context.Background()))
	assert.Zero(t, p.Tick(context.Background()), "no free slots")

	sessions := p.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, store.StageReady, sessions[0].Stage)

	close(release)
	p.Wait()
	complete, done := claimer.snapshot()
	assert.ElementsMatch(t, []int{1, 2}, complete)
	assert.Empty(t, done)
	assert.Empty(t, p.Sessions())

	assert.Equal(t, 1, p.Tick(context.Background()))
	p.Wait()
	assert.Equal(t, []int{2, 2}, claimer.limits)
}

func TestPool_FailureReleasesAndPublishes(t *testing.T) {
	claimer := &fakeClaimer{queue: issues(5)}
	bus := events.NewBus(100, nil, testLogger())
	defer bus.Close()
	h := HandlerFunc(func(context.Context, github.Issue) error { return errors.New("boom") })

	p := NewPool(store.StagePlan, 1, h, claimer, nil, bus, testLogger())
	p.Tick(context.Background())
	p.Wait()

	complete, done := claimer.snapshot()
	assert.Empty(t, complete)
	assert.Equal(t, []int{5}, done)
	assert.NoError(t, p.Err())

	var sawError bool
	for _, ev := range bus.History() {
		if ev.Type == events.EventError {
			sawError = true
			assert.Equal(t, "worker", ev.Data["source"])
			assert.Equal(t, "plan", ev.Data["stage"])
			assert.Equal(t, "boom", ev.Data["error"])
		}
	}
	assert.True(t, sawError)
}

func TestPool_RunStopsOnFatal(t *testing.T) {
	claimer := &fakeClaimer{queue: issues(1, 2)}
	authErr := &subprocess.Error{Kind: subprocess.KindAuth, Command: []string{"gh"}}
	h := HandlerFunc(func(context.Context, github.Issue) error { return authErr })

	p := NewPool(store.StageReview, 1, h, claimer, nil, nil, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.Run(ctx, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, subprocess.IsAuth(err))
	assert.Contains(t, err.Error(), "review worker")

	_, done := claimer.snapshot()
	assert.Equal(t, []int{1}, done, "no new claims after a fatal error")
}

func TestPool_RunReturnsOnCancel(t *testing.T) {
	claimer := &fakeClaimer{}
	p := NewPool(store.StageFind, 1, HandlerFunc(func(context.Context, github.Issue) error { return nil }), claimer, nil, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
