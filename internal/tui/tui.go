package tui

import (
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type SnapshotProvider interface {
	GetSnapshot() Snapshot
}

type Model struct {
	provider        SnapshotProvider
	snapshot        Snapshot
	refreshInterval time.Duration
	scrollOffset    int
	height          int
}

type tickMsg time.Time

func NewModel(provider SnapshotProvider, refreshInterval time.Duration) Model {
	return Model{
		provider:        provider,
		snapshot:        provider.GetSnapshot(),
		refreshInterval: refreshInterval,
	}
}

func (m Model) Init() tea.Cmd {
	return tickCmd(m.refreshInterval)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.snapshot = m.provider.GetSnapshot()
		case "up", "k":
			if m.scrollOffset > 0 {
				m.scrollOffset--
			}
		case "down", "j":
			m.scrollOffset = min(m.scrollOffset+1, m.maxOffset())
		case "home", "g":
			m.scrollOffset = 0
		case "end", "G":
			m.scrollOffset = m.maxOffset()
		}

	case tea.WindowSizeMsg:
		m.height = msg.Height
		m.scrollOffset = min(m.scrollOffset, m.maxOffset())

	case tickMsg:
		m.snapshot = m.provider.GetSnapshot()
		m.scrollOffset = min(m.scrollOffset, m.maxOffset())
		return m, tickCmd(m.refreshInterval)
	}

	return m, nil
}

func (m Model) maxOffset() int {
	if m.height <= 0 {
		return 0
	}
	lines := strings.Count(renderView(m.snapshot), "\n") + 1
	return max(0, lines-m.height)
}

func (m Model) View() string {
	content := renderView(m.snapshot)
	if m.scrollOffset == 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	if m.scrollOffset >= len(lines) {
		return ""
	}
	return strings.Join(lines[m.scrollOffset:], "\n")
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
