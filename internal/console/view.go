package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/benaskins/portvisor/internal/supervisor"
)

func (m Model) View() string {
	var b strings.Builder

	counts := m.snap.Counts()
	header := fmt.Sprintf("portvisor  %d services  %d running  %d starting  %d error",
		len(m.snap.Services), counts[supervisor.StateRunning], counts[supervisor.StateStarting], counts[supervisor.StateError])
	if m.quitting {
		header += "  (stopping, please wait)"
	}
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n\n")

	for i, st := range m.snap.Services {
		b.WriteString(m.renderRow(i, st))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(logPanelStyle.Render(m.log.View()))
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) renderRow(i int, st supervisor.ServiceStatus) string {
	cursor := "  "
	style := rowStyle
	if i == m.cursor {
		cursor = "▸ "
		style = selectedStyle
	}

	pid := "-"
	if st.HasProcess {
		pid = fmt.Sprintf("%d", st.PID)
	}
	uptime := ""
	if up := st.Uptime(); up > 0 {
		uptime = up.Truncate(time.Second).String()
	}

	cols := []string{
		cursor + lipgloss.NewStyle().Width(36).Render(st.Label),
		lipgloss.NewStyle().Width(12).Render(st.ID),
		lipgloss.NewStyle().Width(24).Render(st.URL),
		lipgloss.NewStyle().Width(14).Render(stateText(st.State)),
		lipgloss.NewStyle().Width(8).Render(pid),
		dimStyle.Render(uptime),
	}
	row := style.Render(strings.Join(cols, " "))
	if st.State == supervisor.StateError && st.LastError != "" {
		row += "\n" + dimStyle.Render("    "+st.LastError)
	}
	return row
}
