// Package report renders daily stats and sessions for the terminal.
package report

import (
	"fmt"
	"strings"
	"time"

	"charm.land/lipgloss/v2"

	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/ui/components"
	"github.com/abhisek/beacon/internal/ui/theme"
)

// Goals are the daily targets shown on the today card.
type Goals struct {
	XP          int64
	GamesPlayed int64
	Minutes     int64
}

// DefaultGoals returns the default daily targets.
func DefaultGoals() Goals {
	return Goals{XP: 100, GamesPlayed: 3, Minutes: 15}
}

// Today renders the card for one day's counters. d may be nil when the
// user has no activity yet.
func Today(d *store.DailyStat, goals Goals, width int) string {
	if d == nil {
		d = &store.DailyStat{}
	}
	inner := width - 6
	meters := []components.Meter{
		{Label: "XP", Value: d.XPEarned, Goal: goals.XP, Width: inner},
		{Label: "Games", Value: d.GamesPlayed, Goal: goals.GamesPlayed, Width: inner},
		{Label: "Time", Value: d.TotalTimeSeconds / 60, Goal: goals.Minutes, Unit: "min", Width: inner},
	}

	var b strings.Builder
	b.WriteString(theme.Title.Render("Today"))
	if d.StatDate != "" {
		b.WriteString(theme.Subtitle.Render("  " + d.StatDate))
	}
	b.WriteString("\n\n")
	for _, m := range meters {
		b.WriteString(m.View())
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(theme.Hint.Render(fmt.Sprintf(
		"%d sessions · %d completed · %d pages · %d created",
		d.TotalSessions, d.GamesCompleted, d.PagesVisited, d.AssetsCreated,
	)))
	return theme.Card.Width(width).Render(b.String())
}

type column struct {
	title string
	width int
}

func renderRow(cols []column, cells []string, style lipgloss.Style) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = style.Width(c.width).Render(cells[i])
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func renderTable(title string, cols []column, rows [][]string, empty string) string {
	var b strings.Builder
	b.WriteString(theme.Title.Render(title))
	b.WriteString("\n")

	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = c.title
	}
	b.WriteString(renderRow(cols, headers, theme.TableHeader))
	b.WriteString("\n")

	if len(rows) == 0 {
		b.WriteString(theme.Hint.Render(empty))
		return b.String()
	}
	for _, r := range rows {
		b.WriteString(renderRow(cols, r, lipgloss.NewStyle().Foreground(theme.Text)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// History renders one row per day, newest first.
func History(stats []store.DailyStat) string {
	cols := []column{
		{"Date", 12}, {"User", 14}, {"Sessions", 10}, {"Minutes", 9},
		{"Played", 8}, {"Done", 6}, {"XP", 7}, {"Pages", 7}, {"Assets", 7},
	}
	rows := make([][]string, 0, len(stats))
	for _, d := range stats {
		rows = append(rows, []string{
			d.StatDate,
			truncate(d.UserID, 13),
			fmt.Sprint(d.TotalSessions),
			fmt.Sprint(d.TotalTimeSeconds / 60),
			fmt.Sprint(d.GamesPlayed),
			fmt.Sprint(d.GamesCompleted),
			fmt.Sprint(d.XPEarned),
			fmt.Sprint(d.PagesVisited),
			fmt.Sprint(d.AssetsCreated),
		})
	}
	return renderTable("Daily stats", cols, rows, "No activity recorded yet.")
}

// Sessions renders recent sessions. Sessions without a duration are still
// open or ended without a final write.
func Sessions(sessions []store.Session, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	cols := []column{
		{"Started", 18}, {"User", 14}, {"Device", 9}, {"Duration", 10}, {"State", 8},
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		duration := "-"
		state := theme.Open.Render("open")
		if s.DurationSeconds != nil {
			duration = (time.Duration(*s.DurationSeconds) * time.Second).String()
			state = theme.Closed.Render("closed")
		}
		rows = append(rows, []string{
			s.StartedAt.In(loc).Format("2006-01-02 15:04"),
			truncate(s.UserID, 13),
			s.Device,
			duration,
			state,
		})
	}
	return renderTable("Recent sessions", cols, rows, "No sessions yet.")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
