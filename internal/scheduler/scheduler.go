package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/mattjoyce/outpost/internal/clock"
	"github.com/mattjoyce/outpost/internal/events"
)

// DefaultInterval is the telemetry cadence when none is configured.
const DefaultInterval = 300 * time.Second

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Job describes the single periodic telemetry cycle.
type Job struct {
	Name      string
	Interval  time.Duration
	LastRunAt *time.Time
}

// FireFunc performs one cycle. Its error is logged, never propagated.
type FireFunc func(ctx context.Context) error

// Scheduler runs one Job on a fixed cadence until stopped.
type Scheduler struct {
	fire   FireFunc
	clock  clock.Clock
	events *events.Hub
	logger *slog.Logger

	attempts   uint
	retryDelay time.Duration

	mu      sync.Mutex
	job     Job
	started bool
	ticker  clock.Ticker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetry re-runs a failed cycle up to attempts times in total, delay apart.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Scheduler) {
		if attempts > 0 {
			s.attempts = uint(attempts)
		}
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// WithEvents publishes cycle outcomes to hub.
func WithEvents(hub *events.Hub) Option {
	return func(s *Scheduler) { s.events = hub }
}

// New creates a Scheduler. The job's Interval defaults to DefaultInterval.
func New(job Job, fire FireFunc, clk clock.Clock, logger *slog.Logger, opts ...Option) *Scheduler {
	if job.Interval <= 0 {
		job.Interval = DefaultInterval
	}
	if job.Name == "" {
		job.Name = "telemetry"
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		fire:       fire,
		clock:      clk,
		logger:     logger.With("component", "scheduler", "job", job.Name),
		attempts:   1,
		retryDelay: 5 * time.Second,
		job:        job,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the tick loop. The first cycle runs one interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.logger.Info("Starting scheduler", "interval", s.job.Interval)
	// Created here so callers can advance a manual clock as soon as Start returns.
	s.ticker = s.clock.NewTicker(s.job.Interval)

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
		s.wg.Wait()
		s.logger.Info("Scheduler stopped")
	})
}

// Job returns a copy of the job state.
func (s *Scheduler) Job() Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.job
	if job.LastRunAt != nil {
		t := *job.LastRunAt
		job.LastRunAt = &t
	}
	return job
}

// LastRunAt returns when the last cycle began, or nil before the first one.
func (s *Scheduler) LastRunAt() *time.Time {
	return s.Job().LastRunAt
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.ticker.Stop()

	for {
		select {
		case <-s.ticker.C():
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs one cycle. Failures are logged and swallowed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	s.job.LastRunAt = &now
	s.mu.Unlock()

	s.logger.Debug("Scheduler tick", "at", now)

	if err := s.run(ctx); err != nil {
		s.logger.Error("Scheduled cycle failed", "error", err)
		s.events.Publish(events.TelemetryFailed, map[string]any{
			"job":   s.job.Name,
			"at":    now.UTC(),
			"error": err.Error(),
		})
		return
	}

	s.events.Publish(events.TelemetryReported, map[string]any{
		"job": s.job.Name,
		"at":  now.UTC(),
	})
}

func (s *Scheduler) run(ctx context.Context) error {
	if s.attempts <= 1 {
		return s.fire(ctx)
	}
	return retry.Do(func() error {
		return s.fire(ctx)
	}, retry.Attempts(s.attempts), retry.Delay(s.retryDelay), retry.Context(ctx), retry.LastErrorOnly(true))
}
