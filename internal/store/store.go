package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/subprocess"
)

const DefaultThroughputWindow = time.Hour

// Fetcher returns every open issue carrying any of the given labels.
type Fetcher interface {
	FetchPipelineIssues(ctx context.Context, labels []string, limit int) ([]github.Issue, error)
}

// Publisher receives store events.
type Publisher interface {
	Publish(typ events.EventType, data map[string]any) events.Event
}

type Options struct {
	// Labels maps each stage to its label aliases. StageHITL should include
	// both the HITL and HITL-active aliases.
	Labels           map[Stage][]string
	FetchLimit       int
	ThroughputWindow time.Duration
}

// IssueStore routes issues into per-stage FIFO queues and tracks claimed
// work. Every known issue is in at most one of: a queue, the active set, the
// HITL set.
type IssueStore struct {
	fetcher Fetcher
	bus     Publisher
	logger  *slog.Logger
	labels  map[Stage][]string
	limit   int
	window  time.Duration
	now     func() time.Time

	refreshes singleflight.Group

	mu          sync.Mutex
	queues      map[Stage][]int
	queued      map[int]Stage
	active      map[int]Stage
	hitl        map[int]struct{}
	cache       map[int]github.Issue
	completions []time.Time
	processed   int
	lastPoll    time.Time
}

func New(fetcher Fetcher, bus Publisher, opts Options, logger *slog.Logger) *IssueStore {
	if opts.ThroughputWindow <= 0 {
		opts.ThroughputWindow = DefaultThroughputWindow
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = github.DefaultFetchLimit
	}
	return &IssueStore{
		fetcher: fetcher,
		bus:     bus,
		logger:  logger,
		labels:  opts.Labels,
		limit:   opts.FetchLimit,
		window:  opts.ThroughputWindow,
		now:     time.Now,
		queues:  make(map[Stage][]int),
		queued:  make(map[int]Stage),
		active:  make(map[int]Stage),
		hitl:    make(map[int]struct{}),
		cache:   make(map[int]github.Issue),
	}
}

func (s *IssueStore) allLabels() []string {
	var all []string
	for _, st := range []Stage{StageFind, StagePlan, StageReady, StageReview, StageHITL} {
		for _, l := range s.labels[st] {
			if !slices.Contains(all, l) {
				all = append(all, l)
			}
		}
	}
	return all
}

// Refresh fetches all pipeline issues in one call and reconciles the queues.
// Concurrent callers share a single in-flight refresh.
func (s *IssueStore) Refresh(ctx context.Context) error {
	_, err, _ := s.refreshes.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *IssueStore) refresh(ctx context.Context) error {
	issues, err := s.fetcher.FetchPipelineIssues(ctx, s.allLabels(), s.limit)
	if err != nil {
		return fmt.Errorf("refresh issue store: %w", err)
	}

	// A full page may have cut issues off; keep what we have rather than
	// dropping issues that were simply not returned.
	truncated := len(issues) >= s.limit
	if truncated {
		s.logger.Warn("issue fetch hit the limit, skipping purge", "limit", s.limit)
	}

	s.mu.Lock()
	seen := make(map[int]bool, len(issues))
	for _, iss := range issues {
		seen[iss.Number] = true
		s.route(iss)
	}
	if !truncated {
		s.purge(seen)
	}
	s.lastPoll = s.now()
	stats := s.statsLocked()
	s.mu.Unlock()

	s.logger.Debug("issue store refreshed", "issues", len(issues), "hitl", stats.HITLCount)
	if s.bus != nil {
		s.bus.Publish(events.EventQueueUpdate, stats.eventData())
	}
	return nil
}

// route places one issue. Must be called with s.mu held.
func (s *IssueStore) route(iss github.Issue) {
	n := iss.Number
	s.cache[n] = iss

	if _, ok := s.active[n]; ok {
		return
	}

	if iss.HasAnyLabel(s.labels[StageHITL]) {
		s.dequeue(n)
		s.hitl[n] = struct{}{}
		return
	}

	stage, ok := s.stageFor(iss)
	if !ok {
		return
	}
	delete(s.hitl, n)
	if cur, ok := s.queued[n]; ok {
		if cur == stage {
			return
		}
		s.dequeue(n)
	}
	s.queues[stage] = append(s.queues[stage], n)
	s.queued[n] = stage
}

func (s *IssueStore) stageFor(iss github.Issue) (Stage, bool) {
	for i := len(WorkStages) - 1; i >= 0; i-- {
		st := WorkStages[i]
		if iss.HasAnyLabel(s.labels[st]) {
			return st, true
		}
	}
	return 0, false
}

// purge drops queued and HITL issues not in seen, and prunes the metadata
// cache. Active issues are never touched. Must be called with s.mu held.
func (s *IssueStore) purge(seen map[int]bool) {
	for n := range s.queued {
		if !seen[n] {
			s.dequeue(n)
		}
	}
	for n := range s.hitl {
		if !seen[n] {
			delete(s.hitl, n)
		}
	}
	for n := range s.cache {
		if _, ok := s.active[n]; !ok && !seen[n] {
			delete(s.cache, n)
		}
	}
}

// dequeue removes n from whichever queue holds it. Must be called with s.mu held.
func (s *IssueStore) dequeue(n int) {
	stage, ok := s.queued[n]
	if !ok {
		return
	}
	delete(s.queued, n)
	q := s.queues[stage]
	if i := slices.Index(q, n); i >= 0 {
		s.queues[stage] = slices.Delete(q, i, i+1)
	}
}

// pop removes up to limit issues from the head of a queue. limit <= 0 takes
// all. Must be called with s.mu held.
func (s *IssueStore) pop(stage Stage, limit int) []github.Issue {
	q := s.queues[stage]
	if limit <= 0 || limit > len(q) {
		limit = len(q)
	}
	taken := slices.Clone(q[:limit])
	s.queues[stage] = slices.Delete(q, 0, limit)

	out := make([]github.Issue, 0, len(taken))
	for _, n := range taken {
		delete(s.queued, n)
		out = append(out, s.cache[n])
	}
	return out
}

func (s *IssueStore) popLocked(stage Stage, limit int) []github.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pop(stage, limit)
}

// GetTriageable pops up to limit issues from the find queue. The caller must
// MarkActive each one before doing any work.
func (s *IssueStore) GetTriageable(limit int) []github.Issue { return s.popLocked(StageFind, limit) }

func (s *IssueStore) GetPlannable(limit int) []github.Issue { return s.popLocked(StagePlan, limit) }

func (s *IssueStore) GetImplementable(limit int) []github.Issue { return s.popLocked(StageReady, limit) }

func (s *IssueStore) GetReviewable(limit int) []github.Issue { return s.popLocked(StageReview, limit) }

// Claim pops up to limit issues from a stage queue and marks them active in
// one step.
func (s *IssueStore) Claim(stage Stage, limit int) []github.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	issues := s.pop(stage, limit)
	for _, iss := range issues {
		s.active[iss.Number] = stage
	}
	return issues
}

// MarkActive records that a worker owns the issue.
func (s *IssueStore) MarkActive(n int, stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeue(n)
	delete(s.hitl, n)
	s.active[n] = stage
}

// MarkDone releases a claimed issue without counting it as processed.
func (s *IssueStore) MarkDone(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, n)
}

// MarkComplete releases a claimed issue and records the completion for
// throughput. Unknown issues are ignored.
func (s *IssueStore) MarkComplete(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[n]; !ok {
		return
	}
	delete(s.active, n)
	s.processed++
	s.completions = append(s.completions, s.now())
}

func (s *IssueStore) IsActive(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[n]
	return ok
}

// ActiveCount returns the number of issues claimed for stage.
func (s *IssueStore) ActiveCount(stage Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.active {
		if st == stage {
			n++
		}
	}
	return n
}

// HITLIssues returns the cached HITL issues ordered by number.
func (s *IssueStore) HITLIssues() []github.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]github.Issue, 0, len(s.hitl))
	for _, n := range sortedKeys(s.hitl) {
		out = append(out, s.cache[n])
	}
	return out
}

// Run refreshes on every interval until ctx is done. Fatal subprocess errors
// are returned; others are logged and published.
func (s *IssueStore) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.Refresh(ctx); err != nil {
			if subprocess.IsFatal(err) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("issue store refresh failed", "err", err)
			if s.bus != nil {
				s.bus.Publish(events.EventError, map[string]any{"source": "issue_store", "error": err.Error()})
			}
		}
	}
}
