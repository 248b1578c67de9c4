package metrics

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/mattn/go-runewidth"
)

const (
	trackingTitle = "[Hydra] Metrics tracking"
	trackingBody  = "This issue is maintained automatically by Hydra. Each comment is a metrics snapshot.\n\n" +
		"**Do not close, edit, or comment on this issue.** Hydra rebuilds its metrics history from these comments.\n"

	fence      = "```"
	labelWidth = 40
)

var jsonBlockRe = regexp.MustCompile("(?s)" + fence + "json\\s*\\n(.*?)\\n" + fence)

// renderComment formats a snapshot as a Markdown table followed by the
// machine-readable JSON block that history parsing reads back.
func renderComment(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Metrics snapshot %s\n\n", s.Timestamp)
	b.WriteString("| Metric | Value |\n|---|---|\n")
	row := func(name string, v any) {
		fmt.Fprintf(&b, "| %s | %v |\n", name, v)
	}
	row("Issues completed", s.IssuesCompleted)
	row("PRs merged", s.PRsMerged)
	row("Merge rate", pct(s.MergeRate))
	row("Quality fix rate", pct(s.QualityFixRate))
	row("HITL escalation rate", pct(s.HITLEscalationRate))
	row("First-pass approval rate", pct(s.FirstPassApprovalRate))
	row("Avg implementation time", fmt.Sprintf("%.0fs", s.AvgImplementationSeconds))
	row("Reviewer fixes", s.ReviewerFixes)
	row("CI fix rounds", s.CIFixRounds)
	for _, stage := range slices.Sorted(maps.Keys(s.QueueDepth)) {
		row("Queue: "+stage, s.QueueDepth[stage])
	}
	for _, label := range slices.Sorted(maps.Keys(s.GitHubOpenByLabel)) {
		row("Open: "+runewidth.Truncate(label, labelWidth, "…"), s.GitHubOpenByLabel[label])
	}
	row("Closed", s.GitHubTotalClosed)
	row("Merged PRs (repo)", s.GitHubTotalMerged)

	data, _ := json.MarshalIndent(s, "", "  ")
	fmt.Fprintf(&b, "\n%sjson\n%s\n%s\n", fence, data, fence)
	return b.String()
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

// parseComment returns the snapshot embedded in a comment.
func parseComment(body string) (Snapshot, bool) {
	m := jsonBlockRe.FindStringSubmatch(body)
	if m == nil {
		return Snapshot{}, false
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(m[1]), &s); err != nil || s.Timestamp == "" {
		return Snapshot{}, false
	}
	return s, true
}
