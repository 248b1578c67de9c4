package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorQueued = lipgloss.Color("33")  // blue
	colorActive = lipgloss.Color("46")  // green
	colorHITL   = lipgloss.Color("214") // orange

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			PaddingLeft(1).
			PaddingRight(1)

	pausedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginTop(1)

	treeStageStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("cyan"))

	sessionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	metricLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245"))

	metricValueStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("252"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

func stageIcon(stage string) string {
	switch stage {
	case "find":
		return "🔍"
	case "plan":
		return "📝"
	case "ready":
		return "🔨"
	case "review":
		return "📋"
	case "hitl":
		return "🙋"
	default:
		return "❓"
	}
}

func statusIcon(status string) string {
	switch status {
	case "queued":
		return "⏳"
	case "active":
		return "⚙️"
	case "hitl":
		return "⚠️"
	default:
		return "•"
	}
}

func statusColor(status string) lipgloss.Color {
	switch status {
	case "queued":
		return colorQueued
	case "active":
		return colorActive
	case "hitl":
		return colorHITL
	default:
		return lipgloss.Color("252")
	}
}
