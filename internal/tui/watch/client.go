package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/outpost/internal/events"
)

const healthTimeout = 2 * time.Second

type eventMsg events.Event

// healthMsg mirrors the agent's /healthz body.
type healthMsg struct {
	Status           string     `json:"status"`
	UptimeSeconds    int64      `json:"uptime_seconds"`
	DeviceID         string     `json:"device_id"`
	Commands         int        `json:"commands"`
	InFlight         int        `json:"in_flight"`
	TelemetryLastRun *time.Time `json:"telemetry_last_run,omitempty"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ err error }
type reconnectMsg struct{}
type fetchHealthMsg struct{}

func newRequest(apiURL, token, path string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(apiURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// subscribeToEvents streams /events into ch, resuming after lastID. It
// returns sseDisconnectedMsg when the stream ends.
func subscribeToEvents(client *http.Client, apiURL, token string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := newRequest(apiURL, token, "/events")
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Accept", "text/event-stream")
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := client.Do(req)
		if err != nil {
			return sseDisconnectedMsg{err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{err: fmt.Errorf("events: HTTP %d", resp.StatusCode)}
		}

		readStream(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// readStream parses SSE frames from r until EOF. Comment lines are ignored.
func readStream(r io.Reader, ch chan<- events.Event) {
	scanner := bufio.NewScanner(r)
	var (
		id   int64
		typ  string
		data strings.Builder
	)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				ch <- events.Event{
					ID:   id,
					Type: typ,
					At:   time.Now(),
					Data: json.RawMessage(data.String()),
				}
			}
			id, typ = 0, ""
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if v, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				id = v
			}
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(client *http.Client, apiURL, token string) tea.Msg {
	req, err := newRequest(apiURL, token, "/healthz")
	if err != nil {
		return errMsg(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errMsg(fmt.Errorf("healthz: HTTP %d", resp.StatusCode))
	}

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
