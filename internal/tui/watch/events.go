package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/outpost/internal/events"
)

const maxEventLines = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= maxEventLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.CommandCompleted, events.TelemetryReported:
		typeStyle = theme.StatusOK
		if !eventOK(e) {
			typeStyle = theme.StatusFailed
		}
	case events.TelemetryFailed:
		typeStyle = theme.StatusFailed
	case events.CommandDispatched:
		typeStyle = theme.StatusRunning
	case events.AgentStarted, events.AgentStopping:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func eventOK(e events.Event) bool {
	var data struct {
		OK *bool `json:"ok"`
	}
	if json.Unmarshal(e.Data, &data) != nil || data.OK == nil {
		return true
	}
	return *data.OK
}

// extractEventDesc summarizes the known payload fields of e.
func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if id, ok := data["request_id"].(string); ok {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	if cmd, ok := data["command"].(string); ok {
		parts = append(parts, cmd)
	}
	if kind, ok := data["error_kind"].(string); ok && kind != "" {
		parts = append(parts, kind)
	}
	if ms, ok := data["duration_ms"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%.0fms", ms))
	}
	if errText, ok := data["error"].(string); ok {
		parts = append(parts, errText)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if raw == "{}" {
			return ""
		}
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
