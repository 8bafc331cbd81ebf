// Package tui provides the Bubble Tea live stream viewer for theory run.
//
// TUI rules:
//   - TUI is opt-in: a TTY stdout without --json
//   - TUI renders the same frames the non-TUI path drains
//   - The final envelope is still printed by the caller after exit
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	primaryColor = lipgloss.Color("#7C3AED") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

// Styles for TUI components.
var (
	// TitleStyle for the run header.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	// LabelStyle for field labels.
	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	// TokenStyle for streamed token text.
	TokenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	// LogStyle for worker log lines.
	LogStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	// SuccessStyle for success states.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(successColor)

	// WarningStyle for advisory states.
	WarningStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	// ErrorStyle for error states.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	// BoxStyle for the stream container.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	// HelpStyle for help text.
	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

// PhaseStyle picks a style for a lifecycle phase.
func PhaseStyle(phase string) lipgloss.Style {
	switch phase {
	case "started", "resumed":
		return SuccessStyle
	case "paused", "budget_updated":
		return WarningStyle
	case "preempted":
		return ErrorStyle
	default:
		return LogStyle
	}
}
