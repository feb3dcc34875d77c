package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "CHATME_"

// ConfigFileEnv names the variable holding the optional config file path.
const ConfigFileEnv = EnvPrefix + "CONFIG_FILE"

// Config is the complete service configuration. Every section is required.
type Config struct {
	HTTP      *HTTPConfig      `json:"http" yaml:"http" envPrefix:"HTTP_"`
	WebSocket *WebSocketConfig `json:"websocket" yaml:"websocket" envPrefix:"WEBSOCKET_"`
	Auth      *AuthConfig      `json:"auth" yaml:"auth" envPrefix:"AUTH_"`
	Broker    *BrokerConfig    `json:"broker" yaml:"broker" envPrefix:"BROKER_"`
	Database  *DatabaseConfig  `json:"database" yaml:"database" envPrefix:"DATABASE_"`
	Events    *EventsConfig    `json:"events" yaml:"events" envPrefix:"EVENTS_"`
	Telemetry *TelemetryConfig `json:"telemetry" yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log       *LogConfig       `json:"log" yaml:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Host         string        `json:"host" env:"HOST"`
	Port         int           `json:"port" env:"PORT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	// AllowedOrigins restricts CORS and websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	BufferSize   int           `json:"buffer_size" env:"BUFFER_SIZE"`
	// RateLimitPerMinute caps inbound frames per session. Zero disables the limit.
	RateLimitPerMinute int `json:"rate_limit_per_minute" env:"RATE_LIMIT_PER_MINUTE"`
	// MaxFrameBytes caps one inbound frame. Images are sent inline as data URIs.
	MaxFrameBytes int64 `json:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
}

// AuthConfig holds the accepted shared secrets. WebAPIKey and MobileAPIKey
// are named slots for the two first-party clients; APIKeys adds any others.
type AuthConfig struct {
	APIKeys      []string `json:"api_keys" env:"API_KEYS" envSeparator:","`
	WebAPIKey    string   `json:"web_api_key" env:"WEB_API_KEY"`
	MobileAPIKey string   `json:"mobile_api_key" env:"MOBILE_API_KEY"`
}

// Keys returns every configured non-empty key.
func (a *AuthConfig) Keys() []string {
	var keys []string
	for _, k := range append(append([]string{}, a.APIKeys...), a.WebAPIKey, a.MobileAPIKey) {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

type BrokerConfig struct {
	MatchDelay time.Duration `json:"match_delay" env:"MATCH_DELAY"`
	// HibernateAfter evicts in-memory state after this much inactivity. Zero disables it.
	HibernateAfter time.Duration `json:"hibernate_after" env:"HIBERNATE_AFTER"`
	SweepInterval  time.Duration `json:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type DatabaseConfig struct {
	Driver  string        `json:"driver" env:"DRIVER"`
	Path    string        `json:"path" env:"PATH"`
	Timeout time.Duration `json:"timeout" env:"TIMEOUT"`
	Table   string        `json:"table" env:"TABLE"`
	Region  string        `json:"region" env:"REGION"`
}

type EventsConfig struct {
	NATSURL       string `json:"nats_url" env:"NATS_URL"`
	SubjectPrefix string `json:"subject_prefix" env:"SUBJECT_PREFIX"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `json:"service_name" env:"SERVICE_NAME"`
}

type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

// DefaultConfig returns settings suitable for a single local broker. No API
// key is configured, so the defaults alone do not validate.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:       30 * time.Second,
			ReadTimeout:        60 * time.Second,
			WriteTimeout:       10 * time.Second,
			BufferSize:         100,
			RateLimitPerMinute: 120,
			MaxFrameBytes:      4 << 20,
		},
		Auth: &AuthConfig{},
		Broker: &BrokerConfig{
			MatchDelay:     time.Second,
			HibernateAfter: 0,
			SweepInterval:  time.Minute,
		},
		Database: &DatabaseConfig{
			Driver:  "sqlite",
			Path:    "./data/chatme.db",
			Timeout: 30 * time.Second,
		},
		Events: &EventsConfig{
			SubjectPrefix: "chatme",
		},
		Telemetry: &TelemetryConfig{
			ServiceName: "chatme",
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Auth == nil || c.Broker == nil ||
		c.Database == nil || c.Events == nil || c.Telemetry == nil || c.Log == nil {
		return ErrMissingSection
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxFrameBytes <= 0 {
		return fmt.Errorf("WebSocket max frame bytes must be positive")
	}
	if c.WebSocket.RateLimitPerMinute < 0 {
		return fmt.Errorf("WebSocket rate limit cannot be negative")
	}

	if len(c.Auth.Keys()) == 0 {
		return ErrNoAPIKeys
	}

	if c.Broker.MatchDelay < 0 {
		return fmt.Errorf("broker match delay cannot be negative")
	}
	if c.Broker.HibernateAfter < 0 {
		return fmt.Errorf("broker hibernate_after cannot be negative")
	}
	if c.Broker.SweepInterval <= 0 {
		return fmt.Errorf("broker sweep interval must be positive")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case "dynamodb":
		if c.Database.Table == "" {
			return fmt.Errorf("dynamodb table cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Database.Driver)
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Events.NATSURL != "" && c.Events.SubjectPrefix == "" {
		return fmt.Errorf("events subject prefix is required when NATS is enabled")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Log.Format)
	}

	return nil
}

// LoadFromEnv overlays CHATME_* environment variables on the defaults.
// Unset variables keep their default value.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return config, nil
}

// ConfigFile mirrors Config for file decoding; durations are strings such
// as "30s" so both JSON and YAML files stay readable.
type ConfigFile struct {
	HTTP *struct {
		Host           string   `json:"host" yaml:"host"`
		Port           int      `json:"port" yaml:"port"`
		ReadTimeout    string   `json:"read_timeout" yaml:"read_timeout"`
		WriteTimeout   string   `json:"write_timeout" yaml:"write_timeout"`
		AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	} `json:"http" yaml:"http"`
	WebSocket *struct {
		PingInterval       string `json:"ping_interval" yaml:"ping_interval"`
		ReadTimeout        string `json:"read_timeout" yaml:"read_timeout"`
		WriteTimeout       string `json:"write_timeout" yaml:"write_timeout"`
		BufferSize         int    `json:"buffer_size" yaml:"buffer_size"`
		RateLimitPerMinute *int   `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
		MaxFrameBytes      int64  `json:"max_frame_bytes" yaml:"max_frame_bytes"`
	} `json:"websocket" yaml:"websocket"`
	Auth *struct {
		APIKeys      []string `json:"api_keys" yaml:"api_keys"`
		WebAPIKey    string   `json:"web_api_key" yaml:"web_api_key"`
		MobileAPIKey string   `json:"mobile_api_key" yaml:"mobile_api_key"`
	} `json:"auth" yaml:"auth"`
	Broker *struct {
		MatchDelay     string `json:"match_delay" yaml:"match_delay"`
		HibernateAfter string `json:"hibernate_after" yaml:"hibernate_after"`
		SweepInterval  string `json:"sweep_interval" yaml:"sweep_interval"`
	} `json:"broker" yaml:"broker"`
	Database *struct {
		Driver  string `json:"driver" yaml:"driver"`
		Path    string `json:"path" yaml:"path"`
		Timeout string `json:"timeout" yaml:"timeout"`
		Table   string `json:"table" yaml:"table"`
		Region  string `json:"region" yaml:"region"`
	} `json:"database" yaml:"database"`
	Events *struct {
		NATSURL       string `json:"nats_url" yaml:"nats_url"`
		SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	} `json:"events" yaml:"events"`
	Telemetry *struct {
		OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
		ServiceName  string `json:"service_name" yaml:"service_name"`
	} `json:"telemetry" yaml:"telemetry"`
	Log *struct {
		Level  string `json:"level" yaml:"level"`
		Format string `json:"format" yaml:"format"`
	} `json:"log" yaml:"log"`
}

// LoadFromFile reads a .json, .yaml or .yml file and applies it over base.
// A nil base starts from DefaultConfig. The result is validated.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := base
	if config == nil {
		config = DefaultConfig()
	}
	if err := file.apply(config); err != nil {
		return nil, fmt.Errorf("invalid value in %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func (f *ConfigFile) apply(c *Config) error {
	var durations []durationField

	if h := f.HTTP; h != nil {
		setString(&c.HTTP.Host, h.Host)
		if h.Port > 0 {
			c.HTTP.Port = h.Port
		}
		if h.AllowedOrigins != nil {
			c.HTTP.AllowedOrigins = h.AllowedOrigins
		}
		durations = append(durations,
			durationField{"http.read_timeout", h.ReadTimeout, &c.HTTP.ReadTimeout},
			durationField{"http.write_timeout", h.WriteTimeout, &c.HTTP.WriteTimeout})
	}

	if w := f.WebSocket; w != nil {
		if w.BufferSize > 0 {
			c.WebSocket.BufferSize = w.BufferSize
		}
		if w.MaxFrameBytes > 0 {
			c.WebSocket.MaxFrameBytes = w.MaxFrameBytes
		}
		if w.RateLimitPerMinute != nil {
			c.WebSocket.RateLimitPerMinute = *w.RateLimitPerMinute
		}
		durations = append(durations,
			durationField{"websocket.ping_interval", w.PingInterval, &c.WebSocket.PingInterval},
			durationField{"websocket.read_timeout", w.ReadTimeout, &c.WebSocket.ReadTimeout},
			durationField{"websocket.write_timeout", w.WriteTimeout, &c.WebSocket.WriteTimeout})
	}

	if a := f.Auth; a != nil {
		if a.APIKeys != nil {
			c.Auth.APIKeys = a.APIKeys
		}
		setString(&c.Auth.WebAPIKey, a.WebAPIKey)
		setString(&c.Auth.MobileAPIKey, a.MobileAPIKey)
	}

	if b := f.Broker; b != nil {
		durations = append(durations,
			durationField{"broker.match_delay", b.MatchDelay, &c.Broker.MatchDelay},
			durationField{"broker.hibernate_after", b.HibernateAfter, &c.Broker.HibernateAfter},
			durationField{"broker.sweep_interval", b.SweepInterval, &c.Broker.SweepInterval})
	}

	if d := f.Database; d != nil {
		setString(&c.Database.Driver, d.Driver)
		setString(&c.Database.Path, d.Path)
		setString(&c.Database.Table, d.Table)
		setString(&c.Database.Region, d.Region)
		durations = append(durations, durationField{"database.timeout", d.Timeout, &c.Database.Timeout})
	}

	if e := f.Events; e != nil {
		setString(&c.Events.NATSURL, e.NATSURL)
		setString(&c.Events.SubjectPrefix, e.SubjectPrefix)
	}

	if t := f.Telemetry; t != nil {
		setString(&c.Telemetry.OTLPEndpoint, t.OTLPEndpoint)
		setString(&c.Telemetry.ServiceName, t.ServiceName)
	}

	if l := f.Log; l != nil {
		setString(&c.Log.Level, l.Level)
		setString(&c.Log.Format, l.Format)
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// LoadConfigWithPrecedence resolves configuration as file > environment >
// defaults. An empty path skips the file layer; a file that cannot be
// loaded is an error rather than silently ignored.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	if path != "" {
		return LoadFromFile(path, config)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
