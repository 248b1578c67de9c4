package daemon

import (
	"github.com/marcin-skalski/hydra/internal/metrics"
	"github.com/marcin-skalski/hydra/internal/store"
	"github.com/marcin-skalski/hydra/internal/tui"
)

// GetSnapshot assembles the TUI view of the pipeline, workers and metrics.
func (d *Daemon) GetSnapshot() tui.Snapshot {
	stats := d.deps.Store.QueueStats()
	pipeline := d.deps.Store.PipelineSnapshot()

	stages := make([]tui.StageState, 0, len(store.WorkStages)+1)
	for _, st := range append(append([]store.Stage(nil), store.WorkStages...), store.StageHITL) {
		rows := pipeline[st]
		issues := make([]tui.IssueState, 0, len(rows))
		for _, r := range rows {
			issues = append(issues, tui.IssueState{Number: r.Number, Title: r.Title, Status: r.Status})
		}
		stages = append(stages, tui.StageState{Name: st.String(), Issues: issues})
	}

	d.mu.Lock()
	pools := d.pools
	paused := d.pausedUntil
	d.mu.Unlock()

	now := d.now()
	var sessions []tui.SessionState
	for _, p := range pools {
		for _, s := range p.Sessions() {
			sessions = append(sessions, tui.SessionState{
				Stage:    s.Stage.String(),
				Issue:    s.Issue,
				Title:    s.Title,
				Duration: now.Sub(s.Started),
			})
		}
	}

	snap := tui.Snapshot{
		Timestamp:   now,
		Repo:        d.opts.Repo,
		RunID:       d.runID,
		Stages:      stages,
		Sessions:    sessions,
		Queued:      stats.TotalQueued(),
		Active:      stats.TotalActive(),
		HITL:        stats.HITLCount,
		Processed:   stats.TotalProcessed,
		Throughput:  stats.Throughput,
		PausedUntil: paused,
	}
	if d.deps.Metrics != nil {
		if m, ok := d.deps.Metrics.Latest(); ok {
			snap.Metrics = metricsState(m)
		}
	}
	return snap
}

func metricsState(m metrics.Snapshot) *tui.MetricsState {
	return &tui.MetricsState{
		UpdatedAt:       m.Timestamp,
		IssuesCompleted: m.IssuesCompleted,
		PRsMerged:       m.PRsMerged,
		MergeRate:       m.MergeRate,
		QualityFixRate:  m.QualityFixRate,
		HITLRate:        m.HITLEscalationRate,
		ApprovalRate:    m.FirstPassApprovalRate,
	}
}
