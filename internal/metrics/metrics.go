package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/state"
	"github.com/marcin-skalski/hydra/internal/store"
)

const (
	StatusUnchanged = "unchanged"
	StatusPosted    = "posted"
)

// GitHub is the subset of the GitHub client metrics needs.
type GitHub interface {
	CountLabels(ctx context.Context, open map[string][]string, closedLabels []string) (github.LabelCounts, error)
	FetchIssuesByLabels(ctx context.Context, labels []string, state string, limit int) ([]github.Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
	PostComment(ctx context.Context, number int, body string) error
	IssueComments(ctx context.Context, number int) ([]string, error)
}

// StatsSource provides live queue statistics.
type StatsSource interface {
	QueueStats() store.QueueStats
}

// State is the subset of the local state tracker metrics reads and writes.
type State interface {
	Lifetime() state.LifetimeStats
	MetricsHash() string
	SetMetricsHash(h string) error
	MetricsIssue() int
	SetMetricsIssue(n int) error
}

type Publisher interface {
	Publish(typ events.EventType, data map[string]any) events.Event
}

type Options struct {
	// TrackingLabels are the aliases of the metrics tracking issue label.
	TrackingLabels []string
	// OpenLabels maps a logical label name to its aliases for open counts.
	OpenLabels   map[string][]string
	ClosedLabels []string
	Thresholds   Thresholds
}

type Manager struct {
	gh     GitHub
	stats  StatsSource
	state  State
	bus    Publisher
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	latest *Snapshot
}

func NewManager(gh GitHub, stats StatsSource, st State, bus Publisher, opts Options, logger *slog.Logger) *Manager {
	return &Manager{gh: gh, stats: stats, state: st, bus: bus, opts: opts, logger: logger, now: time.Now}
}

// BuildSnapshot assembles a snapshot. A failed GitHub label query leaves the
// GitHub-derived fields empty.
func (m *Manager) BuildSnapshot(ctx context.Context) Snapshot {
	counts, err := m.gh.CountLabels(ctx, m.opts.OpenLabels, m.opts.ClosedLabels)
	if err != nil {
		m.logger.Warn("label counts unavailable", "err", err)
		counts = github.LabelCounts{}
	}
	return NewSnapshot(m.now(), m.state.Lifetime(), m.stats.QueueStats(), counts)
}

type SyncResult struct {
	Status   string
	Hash     string
	Issue    int
	Alerts   []Alert
	Snapshot Snapshot
}

// Sync posts a new snapshot comment when the content changed since the last
// posted snapshot.
func (m *Manager) Sync(ctx context.Context) (SyncResult, error) {
	snap := m.BuildSnapshot(ctx)
	hash := Hash(snap)
	m.setLatest(snap)

	if hash == m.state.MetricsHash() {
		m.logger.Debug("metrics unchanged", "hash", hash)
		return SyncResult{Status: StatusUnchanged, Hash: hash, Snapshot: snap}, nil
	}

	issue, err := m.trackingIssue(ctx, true)
	if err != nil {
		return SyncResult{}, err
	}
	if err := m.gh.PostComment(ctx, issue, renderComment(snap)); err != nil {
		return SyncResult{}, fmt.Errorf("post metrics snapshot: %w", err)
	}
	if err := m.state.SetMetricsHash(hash); err != nil {
		return SyncResult{}, err
	}

	m.logger.Info("metrics snapshot posted", "issue", issue, "completed", snap.IssuesCompleted)
	m.bus.Publish(events.EventMetricsUpdate, snap.Fields())

	alerts := m.CheckThresholds(snap)
	for _, a := range alerts {
		m.logger.Warn("metrics threshold breached", "metric", a.Metric, "value", a.Value, "threshold", a.Threshold)
		m.bus.Publish(events.EventSystemAlert, a.fields())
	}
	return SyncResult{Status: StatusPosted, Hash: hash, Issue: issue, Alerts: alerts, Snapshot: snap}, nil
}

// trackingIssue resolves the tracking issue from the state cache, then by
// label, then by creating it when create is set. 0 means none exists.
func (m *Manager) trackingIssue(ctx context.Context, create bool) (int, error) {
	if n := m.state.MetricsIssue(); n > 0 {
		return n, nil
	}

	issues, err := m.gh.FetchIssuesByLabels(ctx, m.opts.TrackingLabels, "open", 0)
	if err != nil {
		return 0, fmt.Errorf("find metrics issue: %w", err)
	}
	if len(issues) > 0 {
		n := slices.MinFunc(issues, func(a, b github.Issue) int { return a.Number - b.Number }).Number
		return n, m.state.SetMetricsIssue(n)
	}
	if !create {
		return 0, nil
	}

	var labels []string
	if len(m.opts.TrackingLabels) > 0 {
		labels = m.opts.TrackingLabels[:1]
	}
	n, err := m.gh.CreateIssue(ctx, trackingTitle, trackingBody, labels)
	if err != nil {
		return 0, fmt.Errorf("create metrics issue: %w", err)
	}
	m.logger.Info("created metrics tracking issue", "issue", n)
	m.bus.Publish(events.EventIssueCreated, map[string]any{"number": n, "title": trackingTitle, "kind": "metrics_tracking"})
	return n, m.state.SetMetricsIssue(n)
}

// FetchHistoryFromIssue rebuilds the snapshot history from the tracking
// issue comments, oldest first. Comments without a valid snapshot are skipped.
func (m *Manager) FetchHistoryFromIssue(ctx context.Context) ([]Snapshot, error) {
	issue, err := m.trackingIssue(ctx, false)
	if err != nil || issue == 0 {
		return nil, err
	}
	comments, err := m.gh.IssueComments(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("fetch metrics history: %w", err)
	}
	var history []Snapshot
	for _, c := range comments {
		if s, ok := parseComment(c); ok {
			history = append(history, s)
		}
	}
	return history, nil
}

// CheckThresholds evaluates the configured alert thresholds against s.
func (m *Manager) CheckThresholds(s Snapshot) []Alert {
	return m.opts.Thresholds.Check(s)
}

func (m *Manager) setLatest(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = &s
}

// Latest returns the most recently built snapshot.
func (m *Manager) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return Snapshot{}, false
	}
	return *m.latest, true
}
