package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFilename is looked up when Load is given a directory.
const DefaultFilename = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, hash-verifies and validates the configuration at configPath.
// A directory is resolved to its config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := Resolve(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Verify before parsing so a tampered file is never interpreted.
	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	return cfg, nil
}

// Parse decodes YAML over Defaults(), interpolates ${VAR} references and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	interpolated := interpolateEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Resolve returns the absolute config file path for configPath.
func Resolve(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFilename)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", DefaultFilename, absPath)
		}
	}
	return absPath, nil
}

// Discover finds a config file by checking standard locations:
// $OUTPOST_CONFIG, ~/.config/outpost/config.yaml, /etc/outpost/config.yaml, ./config.yaml.
func Discover() (string, error) {
	candidates := make([]string, 0, 4)
	if p := os.Getenv("OUTPOST_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "outpost", DefaultFilename))
	}
	candidates = append(candidates, filepath.Join("/etc/outpost", DefaultFilename), DefaultFilename)

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $OUTPOST_CONFIG, ~/.config/outpost, /etc/outpost, ./%s)", DefaultFilename)
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	manifest, err := LoadChecksums(dir)
	if errors.Is(err, ErrNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}
	return manifest.Verify(path)
}

// applyConfigDefaults fills values that were explicitly zeroed in the file.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = defaults.Agent.LogLevel
	}
	if cfg.Agent.LogFormat == "" {
		cfg.Agent.LogFormat = defaults.Agent.LogFormat
	}
	if cfg.API.Path == "" {
		cfg.API.Path = defaults.API.Path
	}
	if cfg.API.MaxConcurrent == 0 {
		cfg.API.MaxConcurrent = defaults.API.MaxConcurrent
	}
	if cfg.API.Auth.Mode == "" {
		cfg.API.Auth.Mode = defaults.API.Auth.Mode
	}
	if cfg.Controller.Timeout == 0 {
		cfg.Controller.Timeout = defaults.Controller.Timeout
	}
	if cfg.Telemetry.Interval == 0 {
		cfg.Telemetry.Interval = defaults.Telemetry.Interval
	}
	if cfg.Telemetry.Retry.Attempts == 0 {
		cfg.Telemetry.Retry.Attempts = defaults.Telemetry.Retry.Attempts
	}
	if cfg.Telemetry.MQTT.Topic == "" {
		cfg.Telemetry.MQTT.Topic = defaults.Telemetry.MQTT.Topic
	}
	if cfg.Commands.Shell == "" {
		cfg.Commands.Shell = defaults.Commands.Shell
	}
	if cfg.Commands.KillGrace == 0 {
		cfg.Commands.KillGrace = defaults.Commands.KillGrace
	}
	if cfg.Commands.ProbeTimeout == 0 {
		cfg.Commands.ProbeTimeout = defaults.Commands.ProbeTimeout
	}
	if cfg.Commands.PowerTimeout == 0 {
		cfg.Commands.PowerTimeout = defaults.Commands.PowerTimeout
	}
	if cfg.Commands.UpdateTimeout == 0 {
		cfg.Commands.UpdateTimeout = defaults.Commands.UpdateTimeout
	}
	if cfg.Commands.Speedtest.Timeout == 0 {
		cfg.Commands.Speedtest.Timeout = defaults.Commands.Speedtest.Timeout
	}
	if cfg.Lookup.PublicIPURL == "" {
		cfg.Lookup.PublicIPURL = defaults.Lookup.PublicIPURL
	}
	if cfg.Lookup.GeoURL == "" {
		cfg.Lookup.GeoURL = defaults.Lookup.GeoURL
	}
	if cfg.Lookup.Timeout == 0 {
		cfg.Lookup.Timeout = defaults.Lookup.Timeout
	}
	if cfg.Lookup.GeoCacheTTL == 0 {
		cfg.Lookup.GeoCacheTTL = defaults.Lookup.GeoCacheTTL
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validation where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// ParseInterval converts interval strings to durations.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", interval, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %q", interval)
	}

	return d, nil
}
