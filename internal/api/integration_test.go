package api

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/outpost/internal/auth"
	"github.com/mattjoyce/outpost/internal/clock"
	"github.com/mattjoyce/outpost/internal/dispatch"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/runner"
	"github.com/mattjoyce/outpost/internal/runner/mocks"
	"github.com/mattjoyce/outpost/internal/scheduler"
)

func newIntegrationServer(t *testing.T) (http.Handler, *mocks.MockRunner, *events.Hub) {
	t.Helper()
	ctrl := gomock.NewController(t)
	r := mocks.NewMockRunner(ctrl)
	hub := events.NewHub(32)

	d := dispatch.New(dispatch.Deps{
		Runner:   r,
		Events:   hub,
		Settings: dispatch.DefaultSettings(),
		Logger:   testLogger(),
		ReadFile: func(string) ([]byte, error) { return nil, fs.ErrNotExist },
	})
	v := auth.NewStaticVerifier("admin", nil)
	s := New(Config{DeviceID: "lab-1"}, d, v, nil, hub, testLogger())
	return s.Handler(), r, hub
}

func TestIntegrationPingTest(t *testing.T) {
	h, _, hub := newIntegrationServer(t)

	rr, body := doJSON(t, h, http.MethodPost, "/execute_command", "admin", `{"command":"ping_test","value":"hello"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "hello", body["echo_value"])

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.CommandDispatched, evs[0].Type)
	assert.Equal(t, events.CommandCompleted, evs[1].Type)
}

func TestIntegrationUnknownCommand(t *testing.T) {
	h, _, _ := newIntegrationServer(t)

	rr, body := doJSON(t, h, http.MethodPost, "/execute_command", "admin", `{"command":"format_disk"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Unknown command: format_disk", body["message"])
}

func TestIntegrationExecuteCommandWithoutValue(t *testing.T) {
	h, _, _ := newIntegrationServer(t)

	rr, body := doJSON(t, h, http.MethodPost, "/execute_command", "admin", `{"command":"execute_command"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "error", body["status"])
}

func TestIntegrationExecuteCommandNonZeroExit(t *testing.T) {
	h, r, _ := newIntegrationServer(t)
	r.EXPECT().Run(gomock.Any(), gomock.Any()).Return(runner.Outcome{Stderr: "boom\n", ExitCode: 3}, nil)

	rr, body := doJSON(t, h, http.MethodPost, "/execute_command", "admin", `{"command":"execute_command","value":"false"}`)
	require.Equal(t, http.StatusOK, rr.Code, "a non-zero exit is reported, not failed")
	assert.Equal(t, "boom", body["stderr"])
	assert.EqualValues(t, 3, body["return_code"])
}

func TestIntegrationExecuteCommandTimeout(t *testing.T) {
	h, r, _ := newIntegrationServer(t)
	r.EXPECT().Run(gomock.Any(), gomock.Any()).Return(runner.Outcome{ExitCode: -1, TimedOut: true}, nil)

	rr, body := doJSON(t, h, http.MethodPost, "/execute_command", "admin", `{"command":"execute_command","value":"sleep 100"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "error", body["status"])
}

func TestIntegrationDiskUsage(t *testing.T) {
	h, r, _ := newIntegrationServer(t)
	r.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ interface{}, spec runner.Spec) (runner.Outcome, error) {
		assert.Equal(t, []string{"df", "-h"}, spec.Argv)
		return runner.Outcome{Stdout: "Filesystem Size\n/dev/root 30G\n"}, nil
	})

	rr, body := doJSON(t, h, http.MethodPost, "/execute_command", "admin", `{"command":"disk_usage"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Filesystem Size\n/dev/root 30G", body["disk_usage"])
}

func TestIntegrationCommandSurvivesClientTimeout(t *testing.T) {
	d := dispatch.New(dispatch.Deps{
		Runner:   runner.New(runner.WithLogger(testLogger())),
		Settings: dispatch.DefaultSettings(),
		Logger:   testLogger(),
	})
	srv := httptest.NewServer(New(Config{DeviceID: "lab-1"}, d, nil, nil, nil, testLogger()).Handler())
	defer srv.Close()

	marker := filepath.Join(t.TempDir(), "finished")
	body, err := json.Marshal(map[string]string{
		"command": "execute_command",
		"value":   "sleep 1; touch " + marker,
	})
	require.NoError(t, err)

	client := &http.Client{Timeout: 200 * time.Millisecond}
	resp, err := client.Post(srv.URL+"/execute_command", "application/json", strings.NewReader(string(body)))
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err, "client should give up before the command ends")

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "command was killed when the client went away")
}

func TestIntegrationSlowCommandDoesNotBlockOthers(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := mocks.NewMockRunner(ctrl)
	entered := make(chan struct{})
	release := make(chan struct{})
	r.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ runner.Spec) (runner.Outcome, error) {
		close(entered)
		select {
		case <-release:
			return runner.Outcome{Stdout: "done\n"}, nil
		case <-ctx.Done():
			return runner.Outcome{TimedOut: true, ExitCode: -1}, nil
		}
	})

	hub := events.NewHub(32)
	d := dispatch.New(dispatch.Deps{
		Runner:   r,
		Events:   hub,
		Settings: dispatch.DefaultSettings(),
		Logger:   testLogger(),
		ReadFile: func(string) ([]byte, error) { return nil, fs.ErrNotExist },
	})

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reported := make(chan struct{}, 1)
	sched := scheduler.New(scheduler.Job{Name: "telemetry", Interval: time.Minute}, func(context.Context) error {
		select {
		case reported <- struct{}{}:
		default:
		}
		return nil
	}, clk, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	h := New(Config{DeviceID: "lab-1", MaxConcurrent: 4}, d, nil, sched, hub, testLogger()).Handler()

	slow := make(chan int, 1)
	go func() {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/execute_command", strings.NewReader(`{"command":"execute_command","value":"sleep 100"}`))
		h.ServeHTTP(rr, req)
		slow <- rr.Code
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("slow command never started")
	}

	rr, body := doJSON(t, h, http.MethodPost, "/execute_command", "", `{"command":"ping_test","value":"still here"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "still here", body["echo_value"])

	clk.Advance(time.Minute)
	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("telemetry did not report while a command was in flight")
	}

	rr, body = doJSON(t, h, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["in_flight"])
	assert.Equal(t, "2026-01-01T00:01:00Z", body["telemetry_last_run"])

	close(release)
	select {
	case code := <-slow:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("slow command never returned")
	}
}
