package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kharren/nexus/pkg/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live workflow dashboard",
	Long: `Watch live workflow state in the terminal, refreshing every two
seconds. Press q to quit.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	m := newWatchModel(eng)
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type refreshMsg time.Time

type snapshotsMsg struct {
	snaps []models.Snapshot
	err   error
}

type watchModel struct {
	eng   *engine
	snaps []models.Snapshot
	err   error
	width int

	titleStyle  lipgloss.Style
	headerStyle lipgloss.Style
	rowStyle    lipgloss.Style
	errStyle    lipgloss.Style
	statusStyle map[models.WorkflowStatus]lipgloss.Style
}

func newWatchModel(eng *engine) *watchModel {
	return &watchModel{
		eng:         eng,
		titleStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Padding(0, 1),
		headerStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")),
		rowStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		errStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		statusStyle: map[models.WorkflowStatus]lipgloss.Style{
			models.WorkflowRunning:          lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			models.WorkflowPaused:           lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.WorkflowAwaitingApproval: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.WorkflowCompleted:        lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			models.WorkflowFailed:           lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
			models.WorkflowStopped:          lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		},
	}
}

func (m *watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch, m.scheduleRefresh())
}

func (m *watchModel) scheduleRefresh() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m *watchModel) fetch() tea.Msg {
	snaps, err := m.eng.orch.ListSnapshots()
	return snapshotsMsg{snaps: snaps, err: err}
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case refreshMsg:
		return m, tea.Batch(m.fetch, m.scheduleRefresh())
	case snapshotsMsg:
		m.snaps = msg.snaps
		m.err = msg.err
	}
	return m, nil
}

func (m *watchModel) View() string {
	out := m.titleStyle.Render("nexus workflows") + "\n\n"
	if m.err != nil {
		return out + m.errStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n"
	}
	if len(m.snaps) == 0 {
		return out + m.rowStyle.Render("no workflows") + "\n"
	}

	out += m.headerStyle.Render(fmt.Sprintf("%-10s %-18s %-12s %-18s %-9s %s",
		"ID", "TASK", "TIER", "STATUS", "PROGRESS", "CURRENT STEP")) + "\n"
	for _, snap := range m.snaps {
		current := "-"
		if snap.Current < len(snap.Steps) {
			s := snap.Steps[snap.Current]
			current = fmt.Sprintf("@%s %s", s.Agent, s.Name)
			if s.Attempts > 1 {
				current += fmt.Sprintf(" (attempt %d)", s.Attempts)
			}
		}
		style, ok := m.statusStyle[snap.Status]
		if !ok {
			style = m.rowStyle
		}
		out += fmt.Sprintf("%-10s %-18s %-12s %s %-9s %s\n",
			snap.ID[:8], snap.TaskRef, snap.Tier,
			style.Render(fmt.Sprintf("%-18s", snap.Status)),
			fmt.Sprintf("%d/%d", snap.CompletedSteps, snap.TotalSteps),
			m.rowStyle.Render(current))
	}
	out += "\n" + m.rowStyle.Render("q to quit") + "\n"
	return out
}
