package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/outpost/internal/auth"
	"github.com/mattjoyce/outpost/internal/command"
	"github.com/mattjoyce/outpost/internal/events"
)

const (
	defaultMaxConcurrent = 16
	defaultCommandPath   = "/execute_command"
	maxBodyBytes         = 1 << 20
	shutdownTimeout      = 5 * time.Second
)

// Dispatcher runs a command request to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, req command.Request) command.Result
	Names() []string
}

// TelemetryStatus reports the scheduler's last run, nil before the first tick.
type TelemetryStatus interface {
	LastRunAt() *time.Time
}

// Config holds API server configuration
type Config struct {
	Listen        string
	CommandPath   string
	MaxConcurrent int
	DeviceID      string
}

// Server represents the HTTP command gateway
type Server struct {
	config     Config
	dispatcher Dispatcher
	verifier   auth.Verifier
	telemetry  TelemetryStatus
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	semaphore  chan struct{}

	// lifetime bounds running commands; only process shutdown cancels it.
	lifetime context.Context
}

// New creates a new API server instance. A nil verifier disables authentication;
// telemetry and hub may be nil.
func New(config Config, dispatcher Dispatcher, verifier auth.Verifier, telemetry TelemetryStatus, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	if config.CommandPath == "" {
		config.CommandPath = defaultCommandPath
	}
	if verifier == nil {
		verifier = auth.AllowAll{}
	}
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		verifier:   verifier,
		telemetry:  telemetry,
		events:     hub,
		logger:     logger,
		startedAt:  time.Now(),
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		lifetime:   context.Background(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server and blocks until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.lifetime = ctx
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: commands bound their own runtime and /events is long-lived.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "command_path", s.config.CommandPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// errShuttingDown is the cancel cause of commands still running at shutdown.
var errShuttingDown = errors.New("agent is shutting down")

// commandContext detaches a command from its HTTP request. A controller that
// disconnects or times out does not stop the command; server shutdown does.
func (s *Server) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.lifetime, func() { cancel(errShuttingDown) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeCommandsExec)).Post(s.config.CommandPath, s.handleExecute)
		r.With(s.requireScopes(auth.ScopeCommandsRead)).Get("/commands", s.handleCommands)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
