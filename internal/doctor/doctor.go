// Package doctor inspects an outpost configuration and host for problems
// that load-time validation cannot see.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/outpost/internal/auth"
	"github.com/mattjoyce/outpost/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// LookPathFunc resolves an executable name, as exec.LookPath does.
type LookPathFunc func(name string) (string, error)

// tools lists host utilities and the commands that degrade without them.
var tools = []struct {
	name     string
	commands string
}{
	{"hostname", "system_info, network_info"},
	{"uname", "system_info"},
	{"uptime", "system_info"},
	{"lscpu", "system_info"},
	{"free", "system_info"},
	{"df", "disk_usage"},
	{"ip", "network_info"},
	{"apt-get", "update_system, run_speedtest auto-install"},
	{"speedtest-cli", "run_speedtest"},
}

var knownScopes = map[string]bool{
	auth.ScopeAll:           true,
	auth.ScopeCommandsExec:  true,
	auth.ScopeCommandsRead:  true,
	auth.ScopeEventsRead:    true,
	auth.ScopeTelemetryPush: true,
}

const minSaneInterval = 10 * time.Second

// Doctor validates a loaded config against the host it will run on.
type Doctor struct {
	cfg      *config.Config
	lookPath LookPathFunc
}

// New creates a Doctor. A nil lookPath skips host tool checks.
func New(cfg *config.Config, lookPath LookPathFunc) *Doctor {
	return &Doctor{cfg: cfg, lookPath: lookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateAuth(r)
	d.validateTokenScopes(r)
	d.warnOpenGateway(r)
	d.warnUnrestrictedExecute(r)
	d.warnCleartextSecrets(r)
	d.warnSuspiciousInterval(r)
	d.warnMissingTools(r)
	d.warnUnlocked(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateAuth builds the configured JWT verifier to surface key errors early.
func (d *Doctor) validateAuth(r *Result) {
	a := d.cfg.API.Auth
	if a.Mode != config.AuthJWT {
		return
	}
	_, err := auth.NewJWTVerifier(auth.JWTConfig{
		Algorithm:    a.JWT.Algorithm,
		Secret:       a.JWT.Secret,
		PublicKeyPEM: a.JWT.PublicKeyPEM,
	})
	if err != nil {
		d.addError(r, "auth", "api.auth.jwt", err.Error())
		return
	}
	if strings.EqualFold(a.JWT.Algorithm, auth.AlgHS256) && len(a.JWT.Secret) < 32 {
		d.addWarning(r, "auth", "api.auth.jwt.secret", "HS256 secret is shorter than 32 bytes")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	if d.cfg.API.Auth.Mode != config.AuthToken {
		return
	}
	for i, tok := range d.cfg.API.Auth.Tokens {
		for j, scope := range tok.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			scope = strings.TrimSpace(scope)
			if !knownScopes[scope] {
				d.addError(r, "auth", field, fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

func (d *Doctor) warnOpenGateway(r *Result) {
	if d.cfg.API.Auth.Mode != config.AuthNone {
		return
	}
	if isLoopbackListen(d.cfg.API.Listen) {
		return
	}
	d.addWarning(r, "auth", "api.auth.mode",
		fmt.Sprintf("gateway accepts unauthenticated commands on %s", d.cfg.API.Listen))
}

func (d *Doctor) warnUnrestrictedExecute(r *Result) {
	ex := d.cfg.Commands.Execute
	if ex.Enabled && len(ex.Allow) == 0 {
		d.addWarning(r, "commands", "commands.execute.allow",
			"execute_command is enabled with an empty allow-list; any shell command can run")
	}
	if ex.Enabled && ex.Timeout == 0 {
		d.addWarning(r, "commands", "commands.execute.timeout",
			"execute_command has no timeout")
	}
}

func (d *Doctor) warnCleartextSecrets(r *Result) {
	if d.cfg.Controller.Token != "" && isCleartextRemote(d.cfg.Controller.BaseURL) {
		d.addWarning(r, "telemetry", "controller.base_url",
			"controller token is sent over plain http to a non-loopback host")
	}
	m := d.cfg.Telemetry.MQTT
	if m.Broker != "" && m.Password != "" && isCleartextRemote(m.Broker) {
		d.addWarning(r, "telemetry", "telemetry.mqtt.broker",
			"MQTT password is sent without TLS to a non-loopback broker")
	}
}

func (d *Doctor) warnSuspiciousInterval(r *Result) {
	if !d.cfg.Telemetry.Enabled {
		return
	}
	if iv := d.cfg.Telemetry.Interval.Duration(); iv < minSaneInterval {
		d.addWarning(r, "telemetry", "telemetry.interval",
			fmt.Sprintf("interval %s is very short; the controller may rate-limit reports", iv))
	}
}

func (d *Doctor) warnMissingTools(r *Result) {
	if d.lookPath == nil {
		return
	}
	if prefix := d.cfg.Commands.PrivilegePrefix; len(prefix) > 0 {
		if _, err := d.lookPath(prefix[0]); err != nil {
			d.addWarning(r, "host", "commands.privilege_prefix",
				fmt.Sprintf("%s not found; reboot, shutdown and update_system will fail", prefix[0]))
		}
	}
	if _, err := d.lookPath(d.cfg.Commands.Shell); err != nil {
		d.addWarning(r, "host", "commands.shell",
			fmt.Sprintf("%s not found; execute_command will fail", d.cfg.Commands.Shell))
	}
	for _, t := range tools {
		if _, err := d.lookPath(t.name); err != nil {
			d.addWarning(r, "host", "", fmt.Sprintf("%s not found; affects %s", t.name, t.commands))
		}
	}
}

func (d *Doctor) warnUnlocked(r *Result) {
	if d.cfg.Path == "" {
		return
	}
	_, err := config.LoadChecksums(filepath.Dir(d.cfg.Path))
	if errors.Is(err, config.ErrNoChecksums) {
		d.addWarning(r, "integrity", "",
			"no .checksums manifest; run 'outpost config lock' to enable integrity verification")
	}
}

func isLoopbackListen(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isCleartextRemote(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "https", "ssl", "tls", "mqtts", "wss":
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsLoopback()
}

// FormatHuman returns a terminal-friendly report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
