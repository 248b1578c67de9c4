package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/store"
	"github.com/marcin-skalski/hydra/internal/subprocess"
)

// Handler performs one stage's work on a claimed issue.
type Handler interface {
	Handle(ctx context.Context, issue github.Issue) error
}

type HandlerFunc func(ctx context.Context, issue github.Issue) error

func (f HandlerFunc) Handle(ctx context.Context, issue github.Issue) error { return f(ctx, issue) }

// Claimer hands out queued issues and takes them back.
type Claimer interface {
	Claim(stage store.Stage, limit int) []github.Issue
	MarkComplete(n int)
	MarkDone(n int)
}

type Publisher interface {
	Publish(typ events.EventType, data map[string]any) events.Event
}

// Session is one in-flight handler run.
type Session struct {
	Issue   int
	Title   string
	Stage   store.Stage
	Started time.Time
}

// Pool runs a stage handler over claimed issues with at most size
// concurrent runs.
type Pool struct {
	stage    store.Stage
	size     int
	handler  Handler
	claimer  Claimer
	recorder Recorder
	bus      Publisher
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup

	mu       sync.Mutex
	sessions map[int]Session
	fatal    error
}

// NewPool builds a pool for stage. recorder may be nil.
func NewPool(stage store.Stage, size int, handler Handler, claimer Claimer, recorder Recorder, bus Publisher, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		stage:    stage,
		size:     size,
		handler:  handler,
		claimer:  claimer,
		recorder: recorder,
		bus:      bus,
		logger:   logger.With("stage", stage.String()),
		now:      time.Now,
		sessions: make(map[int]Session),
	}
}

func (p *Pool) Stage() store.Stage { return p.stage }

// Tick claims issues for every free slot and starts a run for each. It
// returns the number started.
func (p *Pool) Tick(ctx context.Context) int {
	p.mu.Lock()
	free := p.size - len(p.sessions)
	stopped := p.fatal != nil
	p.mu.Unlock()
	if free <= 0 || stopped || ctx.Err() != nil {
		return 0
	}

	issues := p.claimer.Claim(p.stage, free)
	for _, iss := range issues {
		p.start(ctx, iss)
	}
	return len(issues)
}

func (p *Pool) start(ctx context.Context, iss github.Issue) {
	s := Session{Issue: iss.Number, Title: iss.Title, Stage: p.stage, Started: p.now()}
	p.mu.Lock()
	p.sessions[iss.Number] = s
	p.mu.Unlock()

	p.publish(iss.Number, "running", nil)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.handler.Handle(ctx, iss)

		p.mu.Lock()
		delete(p.sessions, iss.Number)
		if subprocess.IsFatal(err) && p.fatal == nil {
			p.fatal = err
		}
		p.mu.Unlock()

		log := p.logger.With("issue", iss.Number)
		elapsed := p.now().Sub(s.Started)
		if err != nil {
			p.claimer.MarkDone(iss.Number)
			if ctx.Err() != nil {
				log.Info("handler cancelled")
				return
			}
			log.Error("handler failed", "err", err, "duration", elapsed.Round(time.Second))
			// Fatal errors are not the issue's fault.
			if p.recorder != nil && !subprocess.IsFatal(err) {
				p.recorder.Failed(ctx, p.stage, iss, err)
			}
			p.publish(iss.Number, "failed", err)
			return
		}
		p.claimer.MarkComplete(iss.Number)
		if p.recorder != nil {
			p.recorder.Succeeded(ctx, p.stage, iss, elapsed)
		}
		log.Info("handler finished", "duration", elapsed.Round(time.Second))
		p.publish(iss.Number, "done", nil)
	}()
}

func (p *Pool) publish(issue int, status string, err error) {
	if p.bus == nil {
		return
	}
	data := map[string]any{"issue": issue, "stage": p.stage.String(), "status": status}
	p.bus.Publish(events.EventWorkerUpdate, data)
	if err != nil {
		p.bus.Publish(events.EventError, map[string]any{
			"source": "worker",
			"stage":  p.stage.String(),
			"issue":  issue,
			"error":  err.Error(),
		})
	}
}

// Run ticks every interval until ctx is done or a handler hits a fatal
// error, then waits for in-flight runs.
func (p *Pool) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	for {
		p.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := p.Err(); err != nil {
			return fmt.Errorf("%s worker: %w", p.stage, err)
		}
	}
}

// Err returns the first fatal handler error.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

// Wait blocks until every started run has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Sessions returns in-flight runs ordered by start time.
func (p *Pool) Sessions() []Session {
	p.mu.Lock()
	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].Issue < out[j].Issue
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}
