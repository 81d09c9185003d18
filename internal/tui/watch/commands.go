package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/outpost/internal/events"
)

// CommandState aggregates dispatches of one command name.
type CommandState struct {
	Name         string
	InFlight     int
	Total        int
	Failures     int
	LastKind     string
	LastDuration time.Duration
	LastRun      time.Time
}

type commandEvent struct {
	Command    string  `json:"command"`
	OK         bool    `json:"ok"`
	ErrorKind  string  `json:"error_kind"`
	DurationMS float64 `json:"duration_ms"`
}

// updateCommandState folds a dispatch lifecycle event into cmds.
func updateCommandState(cmds map[string]*CommandState, e events.Event) {
	if e.Type != events.CommandDispatched && e.Type != events.CommandCompleted {
		return
	}
	var data commandEvent
	if err := json.Unmarshal(e.Data, &data); err != nil || data.Command == "" {
		return
	}

	c, ok := cmds[data.Command]
	if !ok {
		c = &CommandState{Name: data.Command}
		cmds[data.Command] = c
	}

	if e.Type == events.CommandDispatched {
		c.InFlight++
		return
	}

	if c.InFlight > 0 {
		c.InFlight--
	}
	c.Total++
	c.LastRun = e.At
	c.LastDuration = time.Duration(data.DurationMS) * time.Millisecond
	c.LastKind = ""
	if !data.OK {
		c.Failures++
		c.LastKind = data.ErrorKind
	}
}

func newCommandTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Command", Width: 18},
			{Title: "Runs", Width: 6},
			{Title: "Fail", Width: 6},
			{Title: "Last", Width: 10},
			{Title: "Took", Width: 8},
			{Title: "Error", Width: 12},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("30")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// commandRows renders cmds sorted by name.
func commandRows(cmds map[string]*CommandState) []table.Row {
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		c := cmds[name]
		last, took := "-", "-"
		if !c.LastRun.IsZero() {
			last = c.LastRun.Format("15:04:05")
			took = c.LastDuration.String()
		}
		errKind := c.LastKind
		if errKind == "" {
			errKind = "-"
		}
		rows = append(rows, table.Row{
			commandStatus(c),
			c.Name,
			fmt.Sprintf("%d", c.Total),
			fmt.Sprintf("%d", c.Failures),
			last,
			took,
			errKind,
		})
	}
	return rows
}

func commandStatus(c *CommandState) string {
	switch {
	case c.InFlight > 0:
		return "▶"
	case c.LastKind != "":
		return "✗"
	case c.Total > 0:
		return "✓"
	default:
		return "·"
	}
}

func renderCommands(t table.Model, empty bool, theme Theme, width int) string {
	innerWidth := width - 4
	body := t.View()
	if empty {
		body = theme.Dim.Render("  No commands dispatched yet...")
	}
	content := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("COMMANDS"), body)
	return theme.Border.Width(innerWidth).Render(content)
}
