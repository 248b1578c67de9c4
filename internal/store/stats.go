package store

import (
	"cmp"
	"maps"
	"slices"
	"time"
)

// QueueStats is a read-only projection of the store.
type QueueStats struct {
	QueueDepth     map[Stage]int
	ActiveByStage  map[Stage]int
	HITLCount      int
	TotalProcessed int
	// Throughput is completions per hour over the rolling window.
	Throughput float64
	LastPoll   time.Time
}

// TotalQueued sums the depth of every work queue.
func (q QueueStats) TotalQueued() int {
	n := 0
	for _, d := range q.QueueDepth {
		n += d
	}
	return n
}

// TotalActive sums active workers across stages.
func (q QueueStats) TotalActive() int {
	n := 0
	for _, d := range q.ActiveByStage {
		n += d
	}
	return n
}

func (q QueueStats) eventData() map[string]any {
	depth := make(map[string]any, len(q.QueueDepth))
	for st, n := range q.QueueDepth {
		depth[st.String()] = n
	}
	active := make(map[string]any, len(q.ActiveByStage))
	for st, n := range q.ActiveByStage {
		active[st.String()] = n
	}
	return map[string]any{
		"queue_depth":     depth,
		"active":          active,
		"hitl":            q.HITLCount,
		"total_processed": q.TotalProcessed,
		"throughput":      q.Throughput,
	}
}

func (s *IssueStore) QueueStats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// statsLocked must be called with s.mu held.
func (s *IssueStore) statsLocked() QueueStats {
	stats := QueueStats{
		QueueDepth:     make(map[Stage]int, len(WorkStages)),
		ActiveByStage:  make(map[Stage]int, len(WorkStages)),
		HITLCount:      len(s.hitl),
		TotalProcessed: s.processed,
		LastPoll:       s.lastPoll,
	}
	for _, st := range WorkStages {
		stats.QueueDepth[st] = len(s.queues[st])
		stats.ActiveByStage[st] = 0
	}
	for _, st := range s.active {
		stats.ActiveByStage[st]++
	}

	cutoff := s.now().Add(-s.window)
	i, _ := slices.BinarySearchFunc(s.completions, cutoff, func(t, target time.Time) int {
		return t.Compare(target)
	})
	s.completions = s.completions[i:]
	stats.Throughput = float64(len(s.completions)) / s.window.Hours()
	return stats
}

// PipelineIssue is one row of the pipeline snapshot.
type PipelineIssue struct {
	Number int
	Title  string
	URL    string
	Status string
}

// PipelineSnapshot lists issues per stage: queued issues in FIFO order, then
// active issues by number. HITL issues appear under StageHITL.
func (s *IssueStore) PipelineSnapshot() map[Stage][]PipelineIssue {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(map[Stage][]PipelineIssue, len(WorkStages)+1)
	row := func(n int, status string) PipelineIssue {
		iss := s.cache[n]
		return PipelineIssue{Number: n, Title: iss.Title, URL: iss.URL, Status: status}
	}
	for _, st := range WorkStages {
		for _, n := range s.queues[st] {
			snap[st] = append(snap[st], row(n, StatusQueued))
		}
	}
	for _, n := range sortedKeys(s.active) {
		st := s.active[n]
		snap[st] = append(snap[st], row(n, StatusActive))
	}
	for _, n := range sortedKeys(s.hitl) {
		snap[StageHITL] = append(snap[StageHITL], row(n, StatusHITL))
	}
	return snap
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
