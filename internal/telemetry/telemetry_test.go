package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/outpost/internal/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSamplerRanges(t *testing.T) {
	s := NewSampler(rand.New(rand.NewPCG(1, 2)))

	seen := map[Status]bool{}
	for range 500 {
		smp := s.Sample()
		assert.GreaterOrEqual(t, smp.Temperature, 20.0)
		assert.LessOrEqual(t, smp.Temperature, 30.0)
		assert.GreaterOrEqual(t, smp.Humidity, 50.0)
		assert.LessOrEqual(t, smp.Humidity, 70.0)
		assert.Equal(t, smp.Temperature, round2(smp.Temperature))
		assert.Equal(t, smp.Humidity, round2(smp.Humidity))
		seen[smp.Status] = true
	}
	assert.True(t, seen[StatusActive])
	assert.True(t, seen[StatusWarning])
}

func TestReportSendsReading(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotCT   string
		got     Reading
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"stored":1}`))
	}))
	defer srv.Close()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rep := NewReporter(srv.URL+"/api/", "pi-01",
		WithToken("secret"),
		WithClock(clock.NewManual(at)),
		WithLogger(discardLogger()),
	)

	ack, err := rep.Report(context.Background(), Sample{Temperature: 21.5, Humidity: 55.25, Status: StatusActive})
	require.NoError(t, err)
	assert.Equal(t, true, ack["ok"])

	assert.Equal(t, "/api/sensor_data/pi-01/report", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, at.Format(time.RFC3339Nano), got.Timestamp)
	assert.Equal(t, 21.5, got.Temperature)
	assert.Equal(t, 55.25, got.Humidity)
	assert.Equal(t, StatusActive, got.Status)
}

func TestReportErrors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unknown device", http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := NewReporter(srv.URL, "x", WithLogger(discardLogger())).Report(context.Background(), Sample{})
		var re *ReportError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, http.StatusNotFound, re.StatusCode)
		assert.Contains(t, re.Body, "unknown device")
	})

	t.Run("non-JSON ack", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("OK"))
		}))
		defer srv.Close()

		_, err := NewReporter(srv.URL, "x", WithLogger(discardLogger())).Report(context.Background(), Sample{})
		var re *ReportError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, http.StatusOK, re.StatusCode)
		assert.Error(t, re.Err)
	})

	t.Run("transport", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewReporter(url, "x", WithTimeout(time.Second), WithLogger(discardLogger())).Report(context.Background(), Sample{})
		var re *ReportError
		require.True(t, errors.As(err, &re))
		assert.Zero(t, re.StatusCode)
		assert.Contains(t, err.Error(), "report sensor data")
	})
}

type recordingMirror struct {
	got []Reading
	err error
}

func (m *recordingMirror) Publish(_ context.Context, r Reading) error {
	m.got = append(m.got, r)
	return m.err
}

func TestReportMirrorFailureIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	mirror := &recordingMirror{err: errors.New("broker down")}
	rep := NewReporter(srv.URL, "pi", WithMirror(mirror), WithLogger(discardLogger()))

	_, err := rep.Report(context.Background(), Sample{Temperature: 25, Status: StatusWarning})
	require.NoError(t, err)
	require.Len(t, mirror.got, 1)
	assert.Equal(t, StatusWarning, mirror.got[0].Status)
}
