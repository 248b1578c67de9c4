package metrics

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/state"
	"github.com/marcin-skalski/hydra/internal/store"
)

// Snapshot is an immutable point-in-time rollup.
type Snapshot struct {
	Timestamp string `json:"timestamp"`

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

	MergeRate                float64 `json:"merge_rate"`
	QualityFixRate           float64 `json:"quality_fix_rate"`
	HITLEscalationRate       float64 `json:"hitl_escalation_rate"`
	FirstPassApprovalRate    float64 `json:"first_pass_approval_rate"`
	AvgImplementationSeconds float64 `json:"avg_implementation_seconds"`

	QueueDepth map[string]int `json:"queue_depth"`

	GitHubOpenByLabel map[string]int `json:"github_open_by_label"`
	GitHubTotalClosed int            `json:"github_total_closed"`
	GitHubTotalMerged int            `json:"github_total_merged"`
}

// NewSnapshot derives rates from the counters. counts may be the zero value
// when the GitHub query failed.
func NewSnapshot(now time.Time, life state.LifetimeStats, queues store.QueueStats, counts github.LabelCounts) Snapshot {
	s := Snapshot{
		Timestamp:                  now.UTC().Format(time.RFC3339),
		IssuesCompleted:            life.IssuesCompleted,
		PRsMerged:                  life.PRsMerged,
		QualityFixRounds:           life.QualityFixRounds,
		HITLEscalations:            life.HITLEscalations,
		ReviewApprovals:            life.ReviewApprovals,
		ReviewRequestChanges:       life.ReviewRequestChanges,
		ReviewerFixes:              life.ReviewerFixes,
		CIFixRounds:                life.CIFixRounds,
		TotalImplementationSeconds: life.TotalImplementationSeconds,
		TotalReviewSeconds:         life.TotalReviewSeconds,
		QueueDepth:                 make(map[string]int, len(queues.QueueDepth)),
		GitHubOpenByLabel:          make(map[string]int, len(counts.OpenByLabel)),
		GitHubTotalClosed:          counts.TotalClosed,
		GitHubTotalMerged:          counts.TotalMerged,
	}

	done := float64(life.IssuesCompleted)
	s.MergeRate = ratio(float64(life.PRsMerged), done)
	s.QualityFixRate = ratio(float64(life.QualityFixRounds), done)
	s.HITLEscalationRate = ratio(float64(life.HITLEscalations), done)
	s.FirstPassApprovalRate = ratio(float64(life.ReviewApprovals), float64(life.ReviewApprovals+life.ReviewRequestChanges))
	s.AvgImplementationSeconds = ratio(life.TotalImplementationSeconds, done)

	for st, n := range queues.QueueDepth {
		s.QueueDepth[st.String()] = n
	}
	for label, n := range counts.OpenByLabel {
		s.GitHubOpenByLabel[label] = n
	}
	return s
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(num/den*10000) / 10000
}

// Hash identifies the snapshot content, ignoring its timestamp.
func Hash(s Snapshot) string {
	s.Timestamp = ""
	data, _ := json.Marshal(s)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fields returns the snapshot as an event payload.
func (s Snapshot) Fields() map[string]any {
	data, _ := json.Marshal(s)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}
