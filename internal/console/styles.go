package console

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/benaskins/portvisor/internal/supervisor"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#000000", Dark: "#FFFFFF"}).
			Background(lipgloss.AdaptiveColor{Light: "#D0D0D0", Dark: "#303030"}).
			Padding(0, 2)

	rowStyle      = lipgloss.NewStyle().Padding(0, 1)
	selectedStyle = rowStyle.
			Bold(true).
			Background(lipgloss.AdaptiveColor{Light: "#E4E4F7", Dark: "#2A2A40"})
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#808080", Dark: "#7A7A7A"})

	logPanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#A0A0A0", Dark: "#505050"}).
			Padding(0, 1)

	stateStyles = map[supervisor.State]lipgloss.Style{
		supervisor.StateStopped:  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#9E9E9E"}),
		supervisor.StateStarting: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B58900", Dark: "#FFD75F"}),
		supervisor.StateRunning:  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#87D787"}).Bold(true),
		supervisor.StateError:    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#FF5F5F"}).Bold(true),
	}
)

func stateText(s supervisor.State) string {
	label := map[supervisor.State]string{
		supervisor.StateStopped:  "● stopped",
		supervisor.StateStarting: "◌ starting",
		supervisor.StateRunning:  "● running",
		supervisor.StateError:    "✖ error",
	}[s]
	if label == "" {
		label = string(s)
	}
	return stateStyles[s].Render(label)
}
