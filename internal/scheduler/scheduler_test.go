package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/outpost/internal/clock"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/telemetry"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.String()
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestTwoIntervalsTwoReports(t *testing.T) {
	var (
		mu       sync.Mutex
		readings []telemetry.Reading
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rd telemetry.Reading
		_ = json.NewDecoder(r.Body).Decode(&rd)
		mu.Lock()
		readings = append(readings, rd)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	clk := clock.NewManual(epoch)
	logger, _ := NewTestSlogger()
	reporter := telemetry.NewReporter(srv.URL, "pi-01", telemetry.WithClock(clk), telemetry.WithLogger(logger))
	sampler := telemetry.NewSampler(nil)

	fire := func(ctx context.Context) error {
		_, err := reporter.Report(ctx, sampler.Sample())
		return err
	}

	s := New(Job{Interval: 300 * time.Second}, fire, clk, logger)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Nil(t, s.LastRunAt())

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(readings)
	}

	clk.Advance(300 * time.Second)
	require.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 10*time.Millisecond)

	clk.Advance(300 * time.Second)
	require.Eventually(t, func() bool { return count() == 2 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	first, err := time.Parse(time.RFC3339Nano, readings[0].Timestamp)
	require.NoError(t, err)
	second, err := time.Parse(time.RFC3339Nano, readings[1].Timestamp)
	require.NoError(t, err)
	mu.Unlock()

	assert.True(t, second.After(first))
	assert.Equal(t, epoch.Add(300*time.Second), first)

	require.NotNil(t, s.LastRunAt())
	assert.Equal(t, epoch.Add(600*time.Second), *s.LastRunAt())
}

func TestNoFireBeforeFirstInterval(t *testing.T) {
	clk := clock.NewManual(epoch)
	logger, _ := NewTestSlogger()

	var fired atomic.Int32
	s := New(Job{Interval: time.Minute}, func(context.Context) error {
		fired.Add(1)
		return nil
	}, clk, logger)
	require.NoError(t, s.Start(context.Background()))

	clk.Advance(59 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	s.Stop()
}

func TestFailureIsSwallowed(t *testing.T) {
	clk := clock.NewManual(epoch)
	logger, logBuf := NewTestSlogger()
	hub := events.NewHub(10)

	var calls atomic.Int32
	s := New(Job{Interval: time.Minute}, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("controller unreachable")
		}
		return nil
	}, clk, logger, WithEvents(hub))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(hub.SnapshotSince(0)) == 1 }, 2*time.Second, 10*time.Millisecond)

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(hub.SnapshotSince(0)) == 2 }, 2*time.Second, 10*time.Millisecond)

	snap := hub.SnapshotSince(0)
	assert.Equal(t, events.TelemetryFailed, snap[0].Type)
	assert.Equal(t, events.TelemetryReported, snap[1].Type)
	assert.Contains(t, logBuf.String(), "controller unreachable")
}

func TestRetryPolicy(t *testing.T) {
	clk := clock.NewManual(epoch)
	logger, _ := NewTestSlogger()

	var calls atomic.Int32
	s := New(Job{Interval: time.Minute}, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}, clk, logger, WithRetry(3, time.Millisecond))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	logger, _ := NewTestSlogger()
	s := New(Job{}, func(context.Context) error { return nil }, clock.NewManual(epoch), logger)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, DefaultInterval, s.Job().Interval)
	assert.Equal(t, "telemetry", s.Job().Name)

	s.Stop()
	s.Stop()
}

func TestContextCancelStopsLoop(t *testing.T) {
	clk := clock.NewManual(epoch)
	logger, _ := NewTestSlogger()
	s := New(Job{Interval: time.Minute}, func(context.Context) error { return nil }, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
	require.Eventually(t, func() bool { return clk.Tickers() == 0 }, time.Second, 10*time.Millisecond)
}
