package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty document uses defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.API.Listen != ":5001" {
					t.Errorf("api.listen = %q, want :5001", cfg.API.Listen)
				}
				if cfg.API.Path != "/execute_command" {
					t.Errorf("api.path = %q", cfg.API.Path)
				}
				if cfg.API.MaxConcurrent != 16 {
					t.Errorf("api.max_concurrent = %d, want 16", cfg.API.MaxConcurrent)
				}
				if cfg.Telemetry.Interval.Duration() != 300*time.Second {
					t.Errorf("telemetry.interval = %v, want 300s", cfg.Telemetry.Interval.Duration())
				}
				if !cfg.Telemetry.Enabled {
					t.Error("telemetry should be enabled by default")
				}
				if !cfg.Commands.Execute.Enabled || !cfg.Commands.Speedtest.AutoInstall {
					t.Error("execute and speedtest auto-install should default on")
				}
				if got := strings.Join(cfg.Commands.PrivilegePrefix, " "); got != "sudo -n" {
					t.Errorf("privilege_prefix = %q", got)
				}
				if cfg.Lookup.GeoCacheTTL != 10*time.Minute {
					t.Errorf("lookup.geo_cache_ttl = %v, want 10m", cfg.Lookup.GeoCacheTTL)
				}
				if cfg.Agent.DeviceID != "Pi4-Device-001" {
					t.Errorf("device_id = %q", cfg.Agent.DeviceID)
				}
			},
		},
		{
			name: "overrides keep unrelated defaults",
			yaml: `
agent:
  device_id: greenhouse-7
controller:
  base_url: https://ops.example.com/api
  timeout: 3s
telemetry:
  enabled: false
  interval: 60
commands:
  privilege_prefix: [doas]
  execute:
    allow: ["uptime", "df"]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Agent.DeviceID != "greenhouse-7" {
					t.Errorf("device_id = %q", cfg.Agent.DeviceID)
				}
				if cfg.Controller.Timeout != 3*time.Second {
					t.Errorf("controller.timeout = %v", cfg.Controller.Timeout)
				}
				if cfg.Telemetry.Enabled {
					t.Error("telemetry.enabled should be false")
				}
				if cfg.Telemetry.Interval.Duration() != time.Minute {
					t.Errorf("integer interval should be seconds, got %v", cfg.Telemetry.Interval.Duration())
				}
				if len(cfg.Commands.PrivilegePrefix) != 1 || cfg.Commands.PrivilegePrefix[0] != "doas" {
					t.Errorf("privilege_prefix = %v", cfg.Commands.PrivilegePrefix)
				}
				if len(cfg.Commands.Execute.Allow) != 2 {
					t.Errorf("execute.allow = %v", cfg.Commands.Execute.Allow)
				}
				if cfg.Lookup.Timeout != 10*time.Second {
					t.Error("lookup defaults lost")
				}
			},
		},
		{
			name: "geolocation cache ttl",
			yaml: "lookup:\n  geo_cache_ttl: -1s\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Lookup.GeoCacheTTL >= 0 {
					t.Errorf("negative geo_cache_ttl should be kept to disable the cache, got %v", cfg.Lookup.GeoCacheTTL)
				}
				if cfg.Lookup.GeoURL == "" {
					t.Error("lookup defaults lost")
				}
			},
		},
		{
			name: "interval keywords and durations",
			yaml: "telemetry:\n  interval: hourly\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Telemetry.Interval.Duration() != time.Hour {
					t.Errorf("interval = %v, want 1h", cfg.Telemetry.Interval.Duration())
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
api:
  auth:
    mode: token
    api_key: ${OUTPOST_TEST_KEY}
controller:
  token: ${OUTPOST_TEST_CONTROLLER}
`,
			env: map[string]string{
				"OUTPOST_TEST_KEY":        "secret123",
				"OUTPOST_TEST_CONTROLLER": "ctl-token",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.API.Auth.APIKey != "secret123" {
					t.Errorf("api_key = %q", cfg.API.Auth.APIKey)
				}
				if cfg.Controller.Token != "ctl-token" {
					t.Errorf("controller.token = %q", cfg.Controller.Token)
				}
			},
		},
		{
			name: "unset env var is rejected",
			yaml: `
api:
  auth:
    mode: token
    api_key: ${OUTPOST_TEST_MISSING}
`,
			wantErr: "OUTPOST_TEST_MISSING",
		},
		{
			name:    "unknown field",
			yaml:    "agent:\n  colour: blue\n",
			wantErr: "colour",
		},
		{
			name:    "bad log level",
			yaml:    "agent:\n  log_level: chatty\n",
			wantErr: "agent.log_level",
		},
		{
			name:    "negative interval",
			yaml:    "telemetry:\n  interval: -5\n",
			wantErr: "interval must be positive",
		},
		{
			name:    "token mode without credentials",
			yaml:    "api:\n  auth:\n    mode: token\n",
			wantErr: "requires api_key or tokens",
		},
		{
			name:    "token without scopes",
			yaml:    "api:\n  auth:\n    mode: token\n    tokens:\n      - token: abc\n",
			wantErr: "scopes must be non-empty",
		},
		{
			name:    "jwt without secret",
			yaml:    "api:\n  auth:\n    mode: jwt\n    jwt:\n      algorithm: HS256\n",
			wantErr: "api.auth.jwt.secret",
		},
		{
			name:    "unknown auth mode",
			yaml:    "api:\n  auth:\n    mode: mtls\n",
			wantErr: "api.auth.mode",
		},
		{
			name:    "relative controller url",
			yaml:    "controller:\n  base_url: /api\n",
			wantErr: "controller.base_url",
		},
		{
			name:    "path without slash",
			yaml:    "api:\n  path: run\n",
			wantErr: "api.path",
		},
		{
			name:    "mqtt qos out of range",
			yaml:    "telemetry:\n  mqtt:\n    broker: tcp://broker:1883\n    qos: 3\n",
			wantErr: "telemetry.mqtt.qos",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Parse([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Parse() error = nil, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Parse() error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryAndChecksums(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFilename)
	if err := os.WriteFile(path, []byte("agent:\n  device_id: lab-1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) failed: %v", err)
	}
	if cfg.Path != path {
		t.Errorf("cfg.Path = %q, want %q", cfg.Path, path)
	}
	if cfg.Agent.DeviceID != "lab-1" {
		t.Errorf("device_id = %q", cfg.Agent.DeviceID)
	}

	res, err := Lock(path, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if !res.Written {
		t.Fatal("Lock() did not write checksums")
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("agent:\n  device_id: evil\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() of tampered file error = %v, want hash mismatch", err)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() of missing file should fail")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("Load() of directory without config.yaml should fail")
	}
}

func TestDiscoverUsesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(""), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OUTPOST_CONFIG", path)

	got, err := Discover()
	if err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	if got != path {
		t.Errorf("Discover() = %q, want %q", got, path)
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "hourly", want: time.Hour},
		{in: "daily", want: 24 * time.Hour},
		{in: "90s", want: 90 * time.Second},
		{in: "5m", want: 5 * time.Minute},
		{in: "0s", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseInterval(%q) error = nil, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseInterval(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
