package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/outpost/internal/api"
	"github.com/mattjoyce/outpost/internal/auth"
	"github.com/mattjoyce/outpost/internal/clock"
	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/dispatch"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/log"
	"github.com/mattjoyce/outpost/internal/lookup"
	"github.com/mattjoyce/outpost/internal/runner"
	"github.com/mattjoyce/outpost/internal/scheduler"
	"github.com/mattjoyce/outpost/internal/sdnotify"
	"github.com/mattjoyce/outpost/internal/telemetry"
)

const eventHubCapacity = 256

// agent is one running outpost: gateway, dispatcher and telemetry scheduler.
type agent struct {
	cfg        *config.Config
	hub        *events.Hub
	sampler    *telemetry.Sampler
	reporter   *telemetry.Reporter
	mirror     *telemetry.MQTTMirror
	lookup     *lookup.Client
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	server     *api.Server
	notifier   *sdnotify.Notifier
	logger     *slog.Logger
}

// newAgent wires every component from cfg. The MQTT mirror is optional:
// a broker that cannot be reached is logged and skipped.
func newAgent(cfg *config.Config) (*agent, error) {
	a := &agent{
		cfg:      cfg,
		hub:      events.NewHub(eventHubCapacity),
		sampler:  telemetry.NewSampler(nil),
		notifier: sdnotify.New(log.WithComponent("sdnotify")),
		logger:   log.WithComponent("agent"),
	}

	if cfg.Telemetry.MQTT.Broker != "" {
		mirror, err := telemetry.DialMQTT(mqttConfig(cfg.Telemetry.MQTT), cfg.Agent.DeviceID)
		if err != nil {
			a.logger.Warn("MQTT mirror disabled", "broker", cfg.Telemetry.MQTT.Broker, "error", err)
		} else {
			a.mirror = mirror
			a.logger.Info("MQTT mirror enabled", "topic", mirror.Topic())
		}
	}

	a.reporter = newReporter(cfg, a.mirror)
	a.lookup = newLookup(cfg.Lookup)
	a.dispatcher = newDispatcher(cfg, a.hub, a.reporter, a.sampler, a.lookup)

	var status api.TelemetryStatus
	if cfg.Telemetry.Enabled {
		a.scheduler = scheduler.New(
			scheduler.Job{Name: "telemetry", Interval: cfg.Telemetry.Interval.Duration()},
			a.reportOnce,
			clock.Real(),
			log.WithComponent("scheduler"),
			scheduler.WithRetry(cfg.Telemetry.Retry.Attempts, cfg.Telemetry.Retry.Delay),
			scheduler.WithEvents(a.hub),
		)
		status = a.scheduler
	}

	verifier, err := newVerifier(cfg.API.Auth)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("configure auth: %w", err)
	}

	a.server = api.New(api.Config{
		Listen:        cfg.API.Listen,
		CommandPath:   cfg.API.Path,
		MaxConcurrent: cfg.API.MaxConcurrent,
		DeviceID:      cfg.Agent.DeviceID,
	}, a.dispatcher, verifier, status, a.hub, log.WithComponent("api"))

	return a, nil
}

func (a *agent) reportOnce(ctx context.Context) error {
	_, err := a.reporter.Report(ctx, a.sampler.Sample())
	return err
}

// run serves until ctx is done or a component fails.
func (a *agent) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})

	if a.scheduler != nil {
		if err := a.scheduler.Start(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	g.Go(func() error {
		a.notifier.RunWatchdog(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.notifier.Stopping()
		a.hub.Publish(events.AgentStopping, map[string]any{"device_id": a.cfg.Agent.DeviceID})
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		return nil
	})

	a.hub.Publish(events.AgentStarted, map[string]any{
		"device_id": a.cfg.Agent.DeviceID,
		"listen":    a.cfg.API.Listen,
		"commands":  len(a.dispatcher.Names()),
		"telemetry": a.scheduler != nil,
	})
	if a.notifier.Ready() {
		a.notifier.Status("serving on " + a.cfg.API.Listen)
	}

	return g.Wait()
}

func (a *agent) close() {
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.lookup != nil {
		a.lookup.Close()
	}
}

func mqttConfig(c config.MQTTConfig) telemetry.MQTTConfig {
	return telemetry.MQTTConfig{
		Broker:   c.Broker,
		Topic:    c.Topic,
		QoS:      c.QoS,
		ClientID: c.ClientID,
		Username: c.Username,
		Password: c.Password,
	}
}

func newReporter(cfg *config.Config, mirror *telemetry.MQTTMirror) *telemetry.Reporter {
	opts := []telemetry.ReporterOption{
		telemetry.WithToken(cfg.Controller.Token),
		telemetry.WithTimeout(cfg.Controller.Timeout),
	}
	if mirror != nil {
		opts = append(opts, telemetry.WithMirror(mirror))
	}
	return telemetry.NewReporter(cfg.Controller.BaseURL, cfg.Agent.DeviceID, opts...)
}

func newLookup(c config.LookupConfig) *lookup.Client {
	return lookup.New(c.PublicIPURL, c.GeoURL, c.Timeout, lookup.WithGeoCacheTTL(c.GeoCacheTTL))
}

// newDispatcher builds the command registry against the local host.
func newDispatcher(cfg *config.Config, hub *events.Hub, reporter *telemetry.Reporter, sampler *telemetry.Sampler, lk *lookup.Client) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Deps{
		Runner: runner.New(
			runner.WithShell(cfg.Commands.Shell),
			runner.WithGracePeriod(cfg.Commands.KillGrace),
			runner.WithLogger(log.WithComponent("runner")),
		),
		Lookup:   lk,
		Reporter: reporter,
		Sampler:  sampler,
		Events:   hub,
		Settings: commandSettings(cfg.Commands),
		Logger:   log.WithComponent("dispatch"),
	})
}

func commandSettings(c config.CommandsConfig) dispatch.Settings {
	return dispatch.Settings{
		PrivilegePrefix:      c.PrivilegePrefix,
		ProbeTimeout:         c.ProbeTimeout,
		PowerTimeout:         c.PowerTimeout,
		UpdateTimeout:        c.UpdateTimeout,
		SpeedtestTimeout:     c.Speedtest.Timeout,
		SpeedtestAutoInstall: c.Speedtest.AutoInstall,
		ExecuteEnabled:       c.Execute.Enabled,
		ExecuteAllow:         c.Execute.Allow,
		ExecuteTimeout:       c.Execute.Timeout,
	}
}

// newVerifier selects the gateway's bearer verifier by auth mode.
func newVerifier(c config.APIAuthConfig) (auth.Verifier, error) {
	switch c.Mode {
	case config.AuthNone, "":
		return auth.AllowAll{}, nil
	case config.AuthToken:
		tokens := make([]auth.TokenConfig, 0, len(c.Tokens))
		for _, t := range c.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		return auth.NewStaticVerifier(c.APIKey, tokens), nil
	case config.AuthJWT:
		return auth.NewJWTVerifier(auth.JWTConfig{
			Algorithm:    c.JWT.Algorithm,
			Secret:       c.JWT.Secret,
			PublicKeyPEM: c.JWT.PublicKeyPEM,
			Issuer:       c.JWT.Issuer,
			Audience:     c.JWT.Audience,
		})
	default:
		return nil, fmt.Errorf("unknown auth mode %q", c.Mode)
	}
}
