package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/outpost/internal/events"
)

// TelemetryState counts scheduled report outcomes seen on the stream.
type TelemetryState struct {
	Reported  int
	Failed    int
	LastAt    time.Time
	LastOK    bool
	LastError string
}

func updateTelemetryState(s *TelemetryState, e events.Event) {
	switch e.Type {
	case events.TelemetryReported:
		s.Reported++
		s.LastOK = true
		s.LastError = ""
	case events.TelemetryFailed:
		var data struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(e.Data, &data)
		s.Failed++
		s.LastOK = false
		s.LastError = data.Error
	default:
		return
	}
	s.LastAt = e.At
}

func renderTelemetry(s TelemetryState, lastRun *time.Time, theme Theme, width int) string {
	innerWidth := width - 4

	last := "never"
	switch {
	case !s.LastAt.IsZero():
		last = s.LastAt.Format("15:04:05")
	case lastRun != nil:
		last = lastRun.Local().Format("15:04:05")
	}

	outcome := theme.Dim.Render("waiting")
	if !s.LastAt.IsZero() {
		if s.LastOK {
			outcome = theme.StatusOK.Render("reported")
		} else {
			outcome = theme.StatusFailed.Render("failed")
		}
	}

	line := fmt.Sprintf(" last: %s %s  ok: %d  failed: %d", last, outcome, s.Reported, s.Failed)
	lines := []string{theme.Title.Render("TELEMETRY"), line}
	if s.LastError != "" {
		lines = append(lines, theme.StatusFailed.Render(" "+truncate(s.LastError, innerWidth-4)))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
