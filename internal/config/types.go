package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete outpost agent configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	API        APIConfig        `yaml:"api"`
	Controller ControllerConfig `yaml:"controller"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Commands   CommandsConfig   `yaml:"commands"`
	Lookup     LookupConfig     `yaml:"lookup"`

	// Path is the absolute path the config was loaded from.
	Path string `yaml:"-"`
}

// AgentConfig identifies the host and controls logging.
type AgentConfig struct {
	DeviceID  string `yaml:"device_id"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file,omitempty"`
	PIDFile   string `yaml:"pid_file,omitempty"`
}

// APIConfig defines the command gateway.
type APIConfig struct {
	Listen        string        `yaml:"listen"`
	Path          string        `yaml:"path"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Auth          APIAuthConfig `yaml:"auth"`
}

// Auth modes.
const (
	AuthNone  = "none"
	AuthToken = "token"
	AuthJWT   = "jwt"
)

// APIAuthConfig defines gateway authentication.
type APIAuthConfig struct {
	Mode string `yaml:"mode"`
	// APIKey is the single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key,omitempty"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
	JWT    JWTConfig  `yaml:"jwt,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

type JWTConfig struct {
	Algorithm    string `yaml:"algorithm,omitempty"`
	Secret       string `yaml:"secret,omitempty"`
	PublicKeyPEM string `yaml:"public_key_pem,omitempty"`
	Issuer       string `yaml:"issuer,omitempty"`
	Audience     string `yaml:"audience,omitempty"`
}

// ControllerConfig locates the remote controller receiving telemetry.
type ControllerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	Enabled  bool        `yaml:"enabled"`
	Interval Interval    `yaml:"interval"`
	Retry    RetryConfig `yaml:"retry"`
	MQTT     MQTTConfig  `yaml:"mqtt,omitempty"`
}

// RetryConfig defines retry behavior for a failed telemetry cycle.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// MQTTConfig mirrors readings to a broker. Empty Broker disables the mirror.
type MQTTConfig struct {
	Broker   string `yaml:"broker,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type CommandsConfig struct {
	PrivilegePrefix []string        `yaml:"privilege_prefix"`
	Shell           string          `yaml:"shell"`
	KillGrace       time.Duration   `yaml:"kill_grace"`
	ProbeTimeout    time.Duration   `yaml:"probe_timeout"`
	PowerTimeout    time.Duration   `yaml:"power_timeout"`
	UpdateTimeout   time.Duration   `yaml:"update_timeout"`
	Speedtest       SpeedtestConfig `yaml:"speedtest"`
	Execute         ExecuteConfig   `yaml:"execute"`
}

type SpeedtestConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	AutoInstall bool          `yaml:"auto_install"`
}

// ExecuteConfig gates the arbitrary shell command. An empty Allow list permits any command.
type ExecuteConfig struct {
	Enabled bool          `yaml:"enabled"`
	Allow   []string      `yaml:"allow,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

type LookupConfig struct {
	PublicIPURL string        `yaml:"public_ip_url"`
	GeoURL      string        `yaml:"geo_url"`
	Timeout     time.Duration `yaml:"timeout"`
	// GeoCacheTTL keeps geolocation answers per IP; negative disables.
	GeoCacheTTL time.Duration `yaml:"geo_cache_ttl"`
}

// Interval is a telemetry period. YAML accepts an integer number of seconds,
// a Go duration string, or "hourly".
type Interval time.Duration

func (i Interval) Duration() time.Duration { return time.Duration(i) }

func (i *Interval) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: interval must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var secs int64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		if secs <= 0 {
			return fmt.Errorf("line %d: interval must be positive", node.Line)
		}
		*i = Interval(time.Duration(secs) * time.Second)
		return nil
	}

	d, err := ParseInterval(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*i = Interval(d)
	return nil
}

func (i Interval) MarshalYAML() (any, error) {
	return time.Duration(i).String(), nil
}

// Defaults returns a Config with the agent's stock settings.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			DeviceID:  "Pi4-Device-001",
			LogLevel:  "info",
			LogFormat: "json",
		},
		API: APIConfig{
			Listen:        ":5001",
			Path:          "/execute_command",
			MaxConcurrent: 16,
			Auth: APIAuthConfig{
				Mode: AuthNone,
			},
		},
		Controller: ControllerConfig{
			BaseURL: "http://127.0.0.1:5000/api",
			Timeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:  true,
			Interval: Interval(300 * time.Second),
			Retry: RetryConfig{
				Attempts: 1,
				Delay:    5 * time.Second,
			},
			MQTT: MQTTConfig{
				Topic: "outpost",
				QoS:   1,
			},
		},
		Commands: CommandsConfig{
			PrivilegePrefix: []string{"sudo", "-n"},
			Shell:           "/bin/sh",
			KillGrace:       2 * time.Second,
			ProbeTimeout:    10 * time.Second,
			PowerTimeout:    30 * time.Second,
			UpdateTimeout:   30 * time.Minute,
			Speedtest: SpeedtestConfig{
				Timeout:     120 * time.Second,
				AutoInstall: true,
			},
			Execute: ExecuteConfig{
				Enabled: true,
			},
		},
		Lookup: LookupConfig{
			PublicIPURL: "https://ifconfig.me/ip",
			GeoURL:      "http://ip-api.com/json/",
			Timeout:     10 * time.Second,
			GeoCacheTTL: 10 * time.Minute,
		},
	}
}
