package components

import (
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/abhisek/beacon/internal/ui/theme"
)

// Meter shows progress of a counter toward a daily goal.
type Meter struct {
	Label string
	Value int64
	Goal  int64
	Unit  string
	Width int
}

// Percent returns Value/Goal clamped to [0, 1]. A zero goal counts as met.
func (m Meter) Percent() float64 {
	if m.Goal <= 0 {
		return 1
	}
	p := float64(m.Value) / float64(m.Goal)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// View renders the label, the bar and "value/goal unit".
func (m Meter) View() string {
	label := theme.Label.Render(fmt.Sprintf("%-12s", m.Label))
	count := fmt.Sprintf(" %d/%d", m.Value, m.Goal)
	if m.Unit != "" {
		count += " " + m.Unit
	}
	count = theme.Value.Render(count)

	barWidth := m.Width - lipgloss.Width(label) - lipgloss.Width(count) - 1
	if barWidth < 4 {
		barWidth = 4
	}
	filled := int(float64(barWidth) * m.Percent())
	fill := theme.MeterFilled
	if m.Percent() >= 1 {
		fill = theme.MeterDone
	}
	bar := fill.Render(strings.Repeat(" ", filled)) +
		theme.MeterEmpty.Render(strings.Repeat(" ", barWidth-filled))

	return label + " " + bar + count
}
