package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// validate performs semantic checks after defaults are applied.
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Agent.DeviceID) == "" {
		return fmt.Errorf("agent.device_id is required")
	}
	if !validLogLevels[strings.ToLower(cfg.Agent.LogLevel)] {
		return fmt.Errorf("agent.log_level must be one of: debug, info, warn, error (got %q)", cfg.Agent.LogLevel)
	}
	if f := strings.ToLower(cfg.Agent.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("agent.log_format must be json or text (got %q)", cfg.Agent.LogFormat)
	}

	if err := validateAPI(&cfg.API); err != nil {
		return err
	}

	if err := validateURL("controller.base_url", cfg.Controller.BaseURL); err != nil {
		return err
	}
	if cfg.Controller.Timeout < 0 {
		return fmt.Errorf("controller.timeout must be positive")
	}
	if err := checkUnresolved("controller.token", cfg.Controller.Token); err != nil {
		return err
	}

	if err := validateTelemetry(&cfg.Telemetry); err != nil {
		return err
	}

	if len(cfg.Commands.PrivilegePrefix) > 0 && strings.TrimSpace(cfg.Commands.PrivilegePrefix[0]) == "" {
		return fmt.Errorf("commands.privilege_prefix[0] must not be empty")
	}
	if cfg.Commands.Execute.Timeout < 0 {
		return fmt.Errorf("commands.execute.timeout must not be negative")
	}
	for i, p := range cfg.Commands.Execute.Allow {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("commands.execute.allow[%d] must not be empty", i)
		}
	}

	if err := validateURL("lookup.public_ip_url", cfg.Lookup.PublicIPURL); err != nil {
		return err
	}
	if err := validateURL("lookup.geo_url", cfg.Lookup.GeoURL); err != nil {
		return err
	}

	return nil
}

func validateAPI(api *APIConfig) error {
	if api.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if !strings.HasPrefix(api.Path, "/") {
		return fmt.Errorf("api.path must start with / (got %q)", api.Path)
	}
	if api.MaxConcurrent < 0 {
		return fmt.Errorf("api.max_concurrent must be positive")
	}

	auth := api.Auth
	switch auth.Mode {
	case AuthNone:
	case AuthToken:
		if err := checkUnresolved("api.auth.api_key", auth.APIKey); err != nil {
			return err
		}
		if auth.APIKey == "" && len(auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: token mode requires api_key or tokens")
		}
		for i, tok := range auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkUnresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	case AuthJWT:
		switch strings.ToUpper(auth.JWT.Algorithm) {
		case "HS256":
			if auth.JWT.Secret == "" {
				return fmt.Errorf("api.auth.jwt.secret is required for HS256")
			}
			if err := checkUnresolved("api.auth.jwt.secret", auth.JWT.Secret); err != nil {
				return err
			}
		case "RS256":
			if auth.JWT.PublicKeyPEM == "" {
				return fmt.Errorf("api.auth.jwt.public_key_pem is required for RS256")
			}
		default:
			return fmt.Errorf("api.auth.jwt.algorithm must be HS256 or RS256 (got %q)", auth.JWT.Algorithm)
		}
	default:
		return fmt.Errorf("api.auth.mode must be one of: none, token, jwt (got %q)", auth.Mode)
	}
	return nil
}

func validateTelemetry(t *TelemetryConfig) error {
	if t.Interval.Duration() <= 0 {
		return fmt.Errorf("telemetry.interval must be positive")
	}
	if t.Retry.Attempts < 1 {
		return fmt.Errorf("telemetry.retry.attempts must be at least 1")
	}
	if t.Retry.Delay < 0 {
		return fmt.Errorf("telemetry.retry.delay must not be negative")
	}
	if t.MQTT.Broker != "" {
		if err := validateURL("telemetry.mqtt.broker", t.MQTT.Broker); err != nil {
			return err
		}
		if t.MQTT.QoS > 2 {
			return fmt.Errorf("telemetry.mqtt.qos must be 0, 1 or 2 (got %d)", t.MQTT.QoS)
		}
		if err := checkUnresolved("telemetry.mqtt.password", t.MQTT.Password); err != nil {
			return err
		}
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL (got %q)", field, raw)
	}
	return nil
}

// checkUnresolved rejects values still holding a ${VAR} placeholder.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
