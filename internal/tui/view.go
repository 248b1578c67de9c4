package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

const maxTitleWidth = 60

func renderView(snap Snapshot) string {
	var b strings.Builder

	header := fmt.Sprintf("hydra │ %s │ %d queued │ %d active │ %d hitl │ %.1f/h",
		snap.Repo, snap.Queued, snap.Active, snap.HITL, snap.Throughput)
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	if !snap.PausedUntil.IsZero() {
		b.WriteString(pausedStyle.Render(fmt.Sprintf("⏸ paused: credits exhausted, resuming at %s", snap.PausedUntil.Local().Format("15:04"))))
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Render("📦 Pipeline"))
	b.WriteString("\n")
	b.WriteString(renderTree(snap.Stages))

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render(fmt.Sprintf("🤖 Active Workers (%d)", len(snap.Sessions))))
	b.WriteString("\n")
	b.WriteString(renderSessions(snap.Sessions))

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("📈 Metrics"))
	b.WriteString("\n")
	b.WriteString(renderMetrics(snap.Metrics))

	b.WriteString("\n")
	footer := fmt.Sprintf("Last updated: %s │ %d processed │ q:quit r:refresh j/k:scroll",
		snap.Timestamp.Format("15:04:05"), snap.Processed)
	b.WriteString(footerStyle.Render(footer))

	return b.String()
}

func renderTree(stages []StageState) string {
	if len(stages) == 0 {
		return emptyStyle.Render("  (no stages)")
	}

	var b strings.Builder
	for i, st := range stages {
		isLast := i == len(stages)-1
		prefix := "├─"
		childPrefix := "│  "
		if isLast {
			prefix = "└─"
			childPrefix = "   "
		}

		b.WriteString(treeStageStyle.Render(fmt.Sprintf("%s %s %s [%d]", prefix, stageIcon(st.Name), st.Name, len(st.Issues))))
		b.WriteString("\n")

		if len(st.Issues) == 0 {
			b.WriteString(emptyStyle.Render(childPrefix + "  (empty)"))
			b.WriteString("\n")
			continue
		}

		for j, iss := range st.Issues {
			issPrefix := "├─"
			if j == len(st.Issues)-1 {
				issPrefix = "└─"
			}
			title := iss.Title
			if runewidth.StringWidth(title) > maxTitleWidth {
				title = runewidth.Truncate(title, maxTitleWidth-3, "...")
			}
			line := fmt.Sprintf("%s%s %s #%d %s", childPrefix, issPrefix, statusIcon(iss.Status), iss.Number, title)
			b.WriteString(lipgloss.NewStyle().Foreground(statusColor(iss.Status)).Render(line))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderSessions(sessions []SessionState) string {
	if len(sessions) == 0 {
		return emptyStyle.Render("  (no active workers)")
	}

	var b strings.Builder
	for _, s := range sessions {
		line := fmt.Sprintf("• %s #%d %s (%s)", s.Stage, s.Issue, runewidth.Truncate(s.Title, maxTitleWidth, "..."), formatDuration(s.Duration))
		b.WriteString(sessionStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func renderMetrics(m *MetricsState) string {
	if m == nil {
		return emptyStyle.Render("  (no snapshot yet)") + "\n"
	}
	var b strings.Builder
	rows := [][2]string{
		{"completed", fmt.Sprintf("%d", m.IssuesCompleted)},
		{"merged", fmt.Sprintf("%d", m.PRsMerged)},
		{"merge rate", percent(m.MergeRate)},
		{"quality fix rate", percent(m.QualityFixRate)},
		{"hitl rate", percent(m.HITLRate)},
		{"first-pass approval", percent(m.ApprovalRate)},
	}
	for _, r := range rows {
		b.WriteString(metricLabelStyle.Render(fmt.Sprintf("  %-20s", r[0])))
		b.WriteString(metricValueStyle.Render(r[1]))
		b.WriteString("\n")
	}
	if m.UpdatedAt != "" {
		b.WriteString(emptyStyle.Render("  as of " + m.UpdatedAt))
		b.WriteString("\n")
	}
	return b.String()
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
