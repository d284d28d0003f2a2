package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vegeta/pkg/daemon"
	"vegeta/pkg/oplog"
	"vegeta/pkg/protocol"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// refreshInterval is how often the dashboard re-reads the state database.
const refreshInterval = 2 * time.Second

// tableWidth fits the outcome columns plus cell padding.
const tableWidth = 100

// tickMsg is sent periodically to trigger a refresh.
type tickMsg time.Time

// snapshotMsg carries the result of one fetch.
type snapshotMsg Snapshot

// tickCmd returns a command that sends a tickMsg after refreshInterval.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(src DataSource) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(src.Fetch(context.Background()))
	}
}

// Model is the Bubble Tea model for the dashboard.
type Model struct {
	src      DataSource
	theme    Theme
	snap     Snapshot
	loaded   bool
	outcomes table.Model
	width    int
	height   int
}

func outcomeColumns() []table.Column {
	return []table.Column{
		{Title: "Time", Width: 8},
		{Title: "Session", Width: 12},
		{Title: "Agent", Width: 12},
		{Title: "Status", Width: 10},
		{Title: "Detail", Width: 48},
	}
}

// newModel creates a Model reading from src.
func newModel(src DataSource) Model {
	t := table.New(
		table.WithColumns(outcomeColumns()),
		table.WithFocused(true),
		table.WithHeight(outcomeLimit),
		table.WithWidth(tableWidth),
	)
	return Model{src: src, theme: DefaultTheme(), outcomes: t}
}

// Init starts the first fetch and the tick loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.src), tickCmd())
}

// Update handles incoming messages and returns an updated model and command.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.src)
		}
		var cmd tea.Cmd
		m.outcomes, cmd = m.outcomes.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.outcomes.SetWidth(msg.Width)
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.src), tickCmd())

	case snapshotMsg:
		m.snap = Snapshot(msg)
		m.loaded = true
		m.outcomes.SetRows(outcomeRows(m.snap.Outcomes))
		return m, nil
	}
	return m, nil
}

func outcomeRows(entries []oplog.Entry) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		detail := e.Detail
		if e.ErrorCode != "" {
			detail = e.ErrorCode
		}
		rows = append(rows, table.Row{
			e.TS.Local().Format("15:04:05"),
			shortID(e.SessionID),
			e.AgentID,
			e.Type,
			truncate(detail, 48),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.loaded {
		return "Loading vegeta state...\n"
	}
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary)
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)

	var b strings.Builder
	b.WriteString(m.renderStatusBar())
	b.WriteString("\n\n")

	b.WriteString(title.Render("Mailbox"))
	b.WriteString("\n")
	b.WriteString(m.renderMailbox())
	b.WriteString("\n\n")

	b.WriteString(title.Render("Heartbeat"))
	b.WriteString("\n")
	b.WriteString(m.renderHeartbeat())
	b.WriteString("\n\n")

	b.WriteString(title.Render("Recent outcomes"))
	b.WriteString("\n")
	if len(m.snap.Outcomes) == 0 {
		b.WriteString(muted.Render("  no outcomes yet"))
	} else {
		b.WriteString(m.outcomes.View())
	}
	b.WriteString("\n\n")
	b.WriteString(muted.Render("q quit  r refresh  ↑/↓ scroll"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderStatusBar() string {
	var state string
	switch m.snap.Daemon {
	case daemon.StateRunning:
		state = lipgloss.NewStyle().Foreground(m.theme.Success).Render(fmt.Sprintf("● running (PID %d)", m.snap.PID))
	case daemon.StateStale:
		state = lipgloss.NewStyle().Foreground(m.theme.Warning).Render(fmt.Sprintf("● stale PID file (%d)", m.snap.PID))
	default:
		state = lipgloss.NewStyle().Foreground(m.theme.Error).Render("● stopped")
	}
	bar := lipgloss.NewStyle().Bold(true).Render("vegeta") + "  " + state
	if m.snap.Err != "" {
		bar += "  " + lipgloss.NewStyle().Foreground(m.theme.Error).Render(truncate(m.snap.Err, 60))
	}
	if !m.snap.FetchedAt.IsZero() {
		bar += "  " + lipgloss.NewStyle().Foreground(m.theme.Muted).Render("updated "+m.snap.FetchedAt.Format("15:04:05"))
	}
	return bar
}

func (m Model) renderMailbox() string {
	st := m.snap.Mailbox
	line := fmt.Sprintf("  pending %d  in-flight %d  completed %d  failed %d  quarantined %d",
		st.Counts[protocol.StatePending], st.Counts[protocol.StateInFlight],
		st.Counts[protocol.StateCompleted], st.Counts[protocol.StateFailed], st.Quarantined)
	if !st.OldestPending.IsZero() {
		line += fmt.Sprintf("\n  oldest pending: %s ago", time.Since(st.OldestPending).Round(time.Second))
	}
	return line
}

func (m Model) renderHeartbeat() string {
	hb := m.snap.Heartbeat
	if hb.Timestamp.IsZero() {
		return lipgloss.NewStyle().Foreground(m.theme.Muted).Render("  no cycle recorded")
	}
	score := lipgloss.NewStyle().Bold(true).Foreground(m.theme.ScoreColor(hb.HealthScore)).
		Render(fmt.Sprintf("%d/100", hb.HealthScore))
	lines := []string{fmt.Sprintf("  health %s  last cycle %s", score, hb.Timestamp.Local().Format(time.DateTime))}
	if len(hb.Actions) > 0 {
		lines = append(lines, "  actions: "+strings.Join(hb.Actions, " | "))
	}
	warn := lipgloss.NewStyle().Foreground(m.theme.Warning)
	for _, w := range hb.Warnings {
		lines = append(lines, warn.Render("  ! "+w))
	}
	return strings.Join(lines, "\n")
}
