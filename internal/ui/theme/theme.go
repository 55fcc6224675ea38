// Package theme holds the terminal styles used by beacon's reports.
package theme

import (
	"charm.land/lipgloss/v2"
)

// Color palette
var (
	Primary   = lipgloss.Color("#8B5CF6") // Purple
	Secondary = lipgloss.Color("#14B8A6") // Teal
	Accent    = lipgloss.Color("#F97316") // Orange
	Success   = lipgloss.Color("#22C55E") // Green
	Warning   = lipgloss.Color("#EAB308") // Amber
	Text      = lipgloss.Color("#F8FAFC") // White
	TextDim   = lipgloss.Color("#94A3B8") // Slate
	Border    = lipgloss.Color("#334155") // Slate
)

// Typography
var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary)

	Subtitle = lipgloss.NewStyle().
			Foreground(TextDim)

	Label = lipgloss.NewStyle().
		Foreground(TextDim)

	Value = lipgloss.NewStyle().
		Foreground(Text).
		Bold(true)

	Hint = lipgloss.NewStyle().
		Foreground(TextDim).
		Italic(true)
)

// Layout
var (
	Card = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Border).
		Padding(0, 2)

	TableHeader = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)
)

// States
var (
	Open = lipgloss.NewStyle().
		Foreground(Warning)

	Closed = lipgloss.NewStyle().
		Foreground(Success)
)

// Meter fills
var (
	MeterFilled = lipgloss.NewStyle().
			Background(Secondary)

	MeterDone = lipgloss.NewStyle().
			Background(Success)

	MeterEmpty = lipgloss.NewStyle().
			Background(Border)
)
