package events

import "time"

// EventType is the closed set of event kinds published on the bus.
type EventType string

const (
	EventBatchStart         EventType = "batch_start"
	EventBatchComplete      EventType = "batch_complete"
	EventPhaseChange        EventType = "phase_change"
	EventWorkerUpdate       EventType = "worker_update"
	EventTranscriptLine     EventType = "transcript_line"
	EventPRCreated          EventType = "pr_created"
	EventReviewUpdate       EventType = "review_update"
	EventTriageUpdate       EventType = "triage_update"
	EventPlannerUpdate      EventType = "planner_update"
	EventMergeUpdate        EventType = "merge_update"
	EventCICheck            EventType = "ci_check"
	EventHITLEscalation     EventType = "hitl_escalation"
	EventHITLUpdate         EventType = "hitl_update"
	EventIssueCreated       EventType = "issue_created"
	EventOrchestratorStatus EventType = "orchestrator_status"
	EventError              EventType = "error"
	EventMemorySync         EventType = "memory_sync"
	EventMetricsUpdate      EventType = "metrics_update"
	EventQueueUpdate        EventType = "queue_update"
	EventSystemAlert        EventType = "system_alert"
)

// Event is one append-only fact. The JSON shape is the on-disk log format.
type Event struct {
	ID        int64          `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Time parses the event timestamp.
func (e Event) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// clone returns e with its own Data map. Values are shared, so they must
// not be mutated.
func (e Event) clone() Event {
	e.Data = copyData(e.Data)
	return e
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
