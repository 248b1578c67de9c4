package tui

import "time"

type Snapshot struct {
	Timestamp time.Time
	Repo      string
	RunID     string

	Stages   []StageState
	Sessions []SessionState

	Queued     int
	Active     int
	HITL       int
	Processed  int
	Throughput float64 // completions per hour

	Metrics *MetricsState
	// PausedUntil is set while loops sleep off credit exhaustion.
	PausedUntil time.Time
}

type StageState struct {
	Name   string
	Issues []IssueState
}

type IssueState struct {
	Number int
	Title  string
	Status string // queued|active|hitl
}

type SessionState struct {
	Stage    string
	Issue    int
	Title    string
	Duration time.Duration
}

type MetricsState struct {
	UpdatedAt       string
	IssuesCompleted int
	PRsMerged       int
	MergeRate       float64
	QualityFixRate  float64
	HITLRate        float64
	ApprovalRate    float64
}
