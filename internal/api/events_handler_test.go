package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/outpost/internal/events"
)

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	s := New(Config{}, &stubDispatcher{}, nil, nil, hub, testLogger())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	hub.Publish(events.AgentStarted, map[string]any{"device_id": "lab-1"})
	hub.Publish(events.CommandDispatched, map[string]any{"command": "ping_test"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l, ok := <-lines:
			require.True(t, ok, "stream closed early")
			return l
		case <-ctx.Done():
			t.Fatal("timed out waiting for SSE line")
			return ""
		}
	}

	// Replay skips id 1.
	assert.Equal(t, "id: 2", next())
	assert.Equal(t, "event: "+events.CommandDispatched, next())
	assert.True(t, strings.HasPrefix(next(), "data: "))
	assert.Equal(t, "", next())

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(events.TelemetryReported, map[string]any{"ok": true})

	assert.Equal(t, "id: 3", next())
	assert.Equal(t, "event: "+events.TelemetryReported, next())
	assert.Equal(t, `data: {"ok":true}`, next())
}

func TestEventsDisabledWithoutHub(t *testing.T) {
	s := New(Config{}, &stubDispatcher{}, nil, nil, nil, testLogger())
	rr, body := doJSON(t, s.Handler(), http.MethodGet, "/events", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "event stream disabled", body["error"])
}
