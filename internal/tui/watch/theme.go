// Package watch implements the outpost watch TUI: a live operator console
// fed by an agent's /healthz and /events endpoints.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	accent := lipgloss.Color("#2E9E8F")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#F85149")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#8B949E")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#30363D")),
	}
}
