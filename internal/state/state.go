package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/marcin-skalski/hydra/internal/fileutil"
)

// LifetimeStats are counters accumulated across every run of the daemon.
type LifetimeStats struct {
	IssuesCompleted            int     `json:"issues_completed"`
	PRsMerged                  int     `json:"prs_merged"`
	QualityFixRounds           int     `json:"quality_fix_rounds"`
	HITLEscalations            int     `json:"hitl_escalations"`
	ReviewApprovals            int     `json:"review_approvals"`
	ReviewRequestChanges       int     `json:"review_request_changes"`
	ReviewerFixes              int     `json:"reviewer_fixes"`
	CIFixRounds                int     `json:"ci_fix_rounds"`
	TotalImplementationSeconds float64 `json:"total_implementation_seconds"`
	TotalReviewSeconds         float64 `json:"total_review_seconds"`
}

type data struct {
	MemoryHash   string         `json:"memory_hash,omitempty"`
	MetricsHash  string         `json:"metrics_hash,omitempty"`
	MetricsIssue int            `json:"metrics_issue,omitempty"`
	Lifetime     LifetimeStats  `json:"lifetime"`
	HITLOrigins  map[int]string `json:"hitl_origins,omitempty"`
	HITLCauses   map[int]string `json:"hitl_causes,omitempty"`
	Attempts     map[int]int    `json:"attempts,omitempty"`
	UpdatedAt    string         `json:"updated_at,omitempty"`
}

// Tracker is the local key/value state file. Every mutation is written
// through atomically. All local state can be lost without losing work:
// GitHub labels remain the source of truth.
type Tracker struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	d  data
}

// Load opens the state file at path. A missing file starts empty; an
// unreadable one is logged and replaced on the next write.
func Load(path string, logger *slog.Logger) (*Tracker, error) {
	t := &Tracker{path: path, logger: logger}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	default:
		if err := json.Unmarshal(raw, &t.d); err != nil {
			logger.Warn("state file corrupt, starting fresh", "path", path, "err", err)
			t.d = data{}
		}
	}
	return t, nil
}

func (t *Tracker) Path() string {
	return t.path
}

// update applies fn and persists. Must not be called with t.mu held.
func (t *Tracker) update(fn func(d *data)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.d)
	t.d.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := fileutil.WriteJSON(t.path, t.d); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (t *Tracker) read(fn func(d *data)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.d)
}

func (t *Tracker) MemoryHash() (h string) {
	t.read(func(d *data) { h = d.MemoryHash })
	return h
}

func (t *Tracker) SetMemoryHash(h string) error {
	return t.update(func(d *data) { d.MemoryHash = h })
}

func (t *Tracker) MetricsHash() (h string) {
	t.read(func(d *data) { h = d.MetricsHash })
	return h
}

func (t *Tracker) SetMetricsHash(h string) error {
	return t.update(func(d *data) { d.MetricsHash = h })
}

// MetricsIssue returns the cached metrics tracking issue number, 0 if unknown.
func (t *Tracker) MetricsIssue() (n int) {
	t.read(func(d *data) { n = d.MetricsIssue })
	return n
}

func (t *Tracker) SetMetricsIssue(n int) error {
	return t.update(func(d *data) { d.MetricsIssue = n })
}

func (t *Tracker) Lifetime() (s LifetimeStats) {
	t.read(func(d *data) { s = d.Lifetime })
	return s
}

// UpdateLifetime applies fn to the lifetime counters and persists them.
func (t *Tracker) UpdateLifetime(fn func(s *LifetimeStats)) error {
	return t.update(func(d *data) { fn(&d.Lifetime) })
}

func (t *Tracker) RecordHITLEscalation() error {
	return t.UpdateLifetime(func(s *LifetimeStats) { s.HITLEscalations++ })
}

// SetHITLOrigin records the stage label an issue held before escalation.
func (t *Tracker) SetHITLOrigin(issue int, label string) error {
	return t.update(func(d *data) {
		if d.HITLOrigins == nil {
			d.HITLOrigins = make(map[int]string)
		}
		d.HITLOrigins[issue] = label
	})
}

func (t *Tracker) HITLOrigin(issue int) (label string, ok bool) {
	t.read(func(d *data) { label, ok = d.HITLOrigins[issue] })
	return label, ok
}

// SetHITLCause records why an issue was escalated. An empty cause clears it.
func (t *Tracker) SetHITLCause(issue int, cause string) error {
	return t.update(func(d *data) {
		if cause == "" {
			delete(d.HITLCauses, issue)
			return
		}
		if d.HITLCauses == nil {
			d.HITLCauses = make(map[int]string)
		}
		d.HITLCauses[issue] = cause
	})
}

func (t *Tracker) HITLCause(issue int) (cause string) {
	t.read(func(d *data) { cause = d.HITLCauses[issue] })
	return cause
}

// ClearHITL drops origin and cause bookkeeping for an issue.
func (t *Tracker) ClearHITL(issue int) error {
	return t.update(func(d *data) {
		delete(d.HITLOrigins, issue)
		delete(d.HITLCauses, issue)
	})
}

func (t *Tracker) Attempts(issue int) (n int) {
	t.read(func(d *data) { n = d.Attempts[issue] })
	return n
}

// IncrementAttempts bumps the failure counter for an issue and returns it.
func (t *Tracker) IncrementAttempts(issue int) (int, error) {
	var n int
	err := t.update(func(d *data) {
		if d.Attempts == nil {
			d.Attempts = make(map[int]int)
		}
		d.Attempts[issue]++
		n = d.Attempts[issue]
	})
	return n, err
}

func (t *Tracker) ResetAttempts(issue int) error {
	return t.update(func(d *data) { delete(d.Attempts, issue) })
}
