package main

import (
	ctxcompress "veil/internal/context"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	accentColor  = lipgloss.Color("#8BC34A")
	mutedColor   = lipgloss.Color("#6B7280")
	highColor    = lipgloss.Color("#F97316")
	mediumColor  = lipgloss.Color("#EAB308")
	lowColor     = lipgloss.Color("#38BDF8")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	messageStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

func priorityStyle(p ctxcompress.Priority) lipgloss.Style {
	switch p {
	case ctxcompress.PriorityHigh:
		return lipgloss.NewStyle().Foreground(highColor).Bold(true)
	case ctxcompress.PriorityMedium:
		return lipgloss.NewStyle().Foreground(mediumColor)
	case ctxcompress.PriorityLow:
		return lipgloss.NewStyle().Foreground(lowColor)
	default:
		return mutedStyle
	}
}

// cell pads or clips s to a fixed column width.
func cell(s string, width int) string {
	if r := []rune(s); len(r) > width {
		s = string(r[:width-1]) + "…"
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}
