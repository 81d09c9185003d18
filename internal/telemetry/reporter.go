package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/outpost/internal/clock"
	"github.com/mattjoyce/outpost/internal/log"
)

const (
	defaultTimeout = 15 * time.Second
	maxAckBytes    = 1 << 20
	maxErrorBody   = 512
)

// Ack is the controller's decoded JSON reply.
type Ack map[string]any

// ReportError describes a failed report. StatusCode is zero for transport errors.
type ReportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ReportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("controller returned status %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("controller returned status %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("report sensor data: %v", e.Err)
	}
}

func (e *ReportError) Unwrap() error { return e.Err }

// Mirror receives a copy of every reading. Failures never affect the HTTP report.
type Mirror interface {
	Publish(ctx context.Context, r Reading) error
}

// Reporter posts readings to {base}/sensor_data/{deviceID}/report.
type Reporter struct {
	baseURL    string
	deviceID   string
	token      string
	httpClient *http.Client
	clock      clock.Clock
	mirror     Mirror
	logger     *slog.Logger
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithToken adds an Authorization: Bearer header to each report.
func WithToken(token string) ReporterOption {
	return func(r *Reporter) { r.token = token }
}

// WithTimeout bounds each report request.
func WithTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ReporterOption {
	return func(r *Reporter) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(c clock.Clock) ReporterOption {
	return func(r *Reporter) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithMirror publishes each reading to m as well.
func WithMirror(m Mirror) ReporterOption {
	return func(r *Reporter) { r.mirror = m }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReporter creates a Reporter for one device.
func NewReporter(baseURL, deviceID string, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: defaultTimeout},
		clock:      clock.Real(),
		logger:     log.WithComponent("telemetry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// URL returns the report endpoint.
func (r *Reporter) URL() string {
	return fmt.Sprintf("%s/sensor_data/%s/report", r.baseURL, url.PathEscape(r.deviceID))
}

// Report timestamps s and posts it once. There is no retry here.
func (r *Reporter) Report(ctx context.Context, s Sample) (Ack, error) {
	reading := s.At(r.clock.Now())

	if r.mirror != nil {
		if err := r.mirror.Publish(ctx, reading); err != nil {
			r.logger.Warn("failed to mirror sensor reading", "error", err)
		}
	}

	data, err := json.Marshal(reading)
	if err != nil {
		return nil, &ReportError{Err: fmt.Errorf("failed to marshal reading: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL(), bytes.NewReader(data))
	if err != nil {
		return nil, &ReportError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	r.logger.Debug("sending sensor data", "url", r.URL(), "temperature", reading.Temperature, "humidity", reading.Humidity, "status", reading.Status)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &ReportError{Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return nil, &ReportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ReportError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}

	var ack Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, &ReportError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody), Err: fmt.Errorf("decode controller response: %w", err)}
	}

	r.logger.Info("sensor data sent", "status_code", resp.StatusCode, "timestamp", reading.Timestamp)
	return ack, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
