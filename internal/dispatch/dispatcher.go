package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/outpost/internal/command"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/log"
	"github.com/mattjoyce/outpost/internal/runner"
	"github.com/mattjoyce/outpost/internal/telemetry"
)

// Handler executes one command.
type Handler interface {
	// Validate checks the request without side effects. A non-nil error is
	// reported as a Validation failure.
	Validate(req command.Request) error
	Execute(ctx context.Context, req command.Request) command.Result
}

// handler adapts a pair of funcs to Handler.
type handler struct {
	validate func(req command.Request) error
	execute  func(ctx context.Context, req command.Request) command.Result
}

func (h handler) Validate(req command.Request) error {
	if h.validate == nil {
		return nil
	}
	return h.validate(req)
}

func (h handler) Execute(ctx context.Context, req command.Request) command.Result {
	return h.execute(ctx, req)
}

// requireArg rejects requests with a missing or blank argument.
func requireArg(msg string) func(command.Request) error {
	return func(req command.Request) error {
		if !req.HasArg() {
			return command.NewValidationError(msg)
		}
		return nil
	}
}

// Lookup resolves public addresses and geolocation.
type Lookup interface {
	PublicIP(ctx context.Context) (string, error)
	Geolocate(ctx context.Context, ip string) (map[string]any, error)
}

// Reporter delivers one sensor sample to the controller.
type Reporter interface {
	Report(ctx context.Context, s telemetry.Sample) (telemetry.Ack, error)
}

// Sampler produces synthetic sensor samples.
type Sampler interface {
	Sample() telemetry.Sample
}

// Settings is the read-only command configuration.
type Settings struct {
	PrivilegePrefix      []string
	ProbeTimeout         time.Duration
	PowerTimeout         time.Duration
	UpdateTimeout        time.Duration
	SpeedtestTimeout     time.Duration
	SpeedtestAutoInstall bool
	ExecuteEnabled       bool
	ExecuteAllow         []string
	ExecuteTimeout       time.Duration
}

// DefaultSettings returns the stock command configuration.
func DefaultSettings() Settings {
	return Settings{
		PrivilegePrefix:      []string{"sudo", "-n"},
		ProbeTimeout:         10 * time.Second,
		PowerTimeout:         30 * time.Second,
		UpdateTimeout:        30 * time.Minute,
		SpeedtestTimeout:     120 * time.Second,
		SpeedtestAutoInstall: true,
		ExecuteEnabled:       true,
	}
}

// Deps are the collaborators handlers may use.
type Deps struct {
	Runner   runner.Runner
	Lookup   Lookup
	Reporter Reporter
	Sampler  Sampler
	Events   *events.Hub
	Settings Settings
	Logger   *slog.Logger

	// Hooks for tests. Zero values use the real implementations.
	ReadFile func(name string) ([]byte, error)
	Now      func() time.Time
	Float64  func() float64
}

// Dispatcher routes requests to registered handlers.
type Dispatcher struct {
	deps     Deps
	handlers map[string]Handler
	logger   *slog.Logger
}

// New creates a Dispatcher with every built-in command registered.
func New(deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = log.WithComponent("dispatch")
	}
	if deps.ReadFile == nil {
		deps.ReadFile = os.ReadFile
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Float64 == nil {
		deps.Float64 = rand.Float64
	}

	d := &Dispatcher{
		deps:     deps,
		handlers: make(map[string]Handler),
		logger:   deps.Logger,
	}
	d.registerEcho()
	d.registerIntrospection()
	d.registerPrivileged()
	d.registerNetwork()
	d.registerShell()
	d.registerTelemetry()
	return d
}

// Register adds or replaces a handler.
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Names returns the registered command names, sorted.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs req and always returns exactly one Result.
func (d *Dispatcher) Dispatch(ctx context.Context, req command.Request) (res command.Result) {
	requestID := uuid.NewString()
	logger := d.logger.With("request_id", requestID, "command", req.Name)
	start := time.Now()

	logger.Info("command received", "has_value", req.Argument != nil)
	d.deps.Events.Publish(events.CommandDispatched, map[string]any{
		"request_id": requestID,
		"command":    req.Name,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "panic", r)
			res = command.Failure(command.Unexpected, fmt.Sprintf("An unexpected error occurred: %v", r), nil)
		}

		attrs := []any{"ok", res.OK(), "duration_ms", time.Since(start).Milliseconds()}
		if !res.OK() {
			attrs = append(attrs, "error_kind", res.Error, "message", res.Message)
		}
		logger.Info("command completed", attrs...)

		d.deps.Events.Publish(events.CommandCompleted, map[string]any{
			"request_id":  requestID,
			"command":     req.Name,
			"ok":          res.OK(),
			"error_kind":  res.Error,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}()

	if req.Name == "" {
		return command.Failure(command.Validation, "No command provided", nil)
	}

	h, ok := d.handlers[req.Name]
	if !ok {
		return command.Failure(command.Validation, fmt.Sprintf("Unknown command: %s", req.Name), nil)
	}

	if err := h.Validate(req); err != nil {
		return command.Failure(command.Validation, err.Error(), nil)
	}

	return h.Execute(ctx, req)
}

// privileged prefixes args with the configured privilege escalation command.
func (d *Dispatcher) privileged(args ...string) []string {
	argv := make([]string, 0, len(d.deps.Settings.PrivilegePrefix)+len(args))
	argv = append(argv, d.deps.Settings.PrivilegePrefix...)
	return append(argv, args...)
}
