// Package config provides YAML configuration parsing for Regadera.
//
// This package enables running Regadera as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	title: Greenhouse
//	port: 8000
//	write_timeout: 5s
//
//	storage:
//	  driver: sqlite
//	  dsn: ${REGADERA_DB:-regadera.db}
//
//	mqtt:
//	  broker: tcp://localhost:1883
//	  topic: greenhouse/readings
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = 8000
	defaultStorageDSN     = "regadera.db"
	defaultIngestChannel  = "esp32"
	defaultObserveChannel = "ui-feed"
	defaultProducerPath   = "/ws/esp32"
	defaultObserverPath   = "/ws/ui-feed"

	// maxWriteTimeout keeps a stalled observer from holding a broadcast for long.
	maxWriteTimeout = time.Minute
)

// Storage drivers accepted in storage.driver.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config is the root configuration structure for Regadera.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "Auto-Regadera" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8000.
	Port int `yaml:"port"`

	// WriteTimeout bounds each websocket write. Defaults to 5s.
	WriteTimeout Duration `yaml:"write_timeout"`

	// MaxFrameBytes limits inbound websocket frames. Defaults to 4096.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	Channels ChannelsConfig `yaml:"channels"`
	Paths    PathsConfig    `yaml:"paths"`
	Storage  StorageConfig  `yaml:"storage"`

	// Influx enables the InfluxDB mirror when url is set.
	Influx InfluxConfig `yaml:"influx"`

	// MQTT enables the MQTT relay when broker is set.
	MQTT MQTTConfig `yaml:"mqtt"`
}

// ChannelsConfig names the producer and observer channels.
type ChannelsConfig struct {
	Ingest  string `yaml:"ingest"`
	Observe string `yaml:"observe"`
}

// PathsConfig sets the websocket paths.
type PathsConfig struct {
	Producer string `yaml:"producer"`
	Observer string `yaml:"observer"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "memory".
	Driver string `yaml:"driver"`

	// DSN is the SQLite database path. Defaults to "regadera.db".
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	DSN string `yaml:"dsn"`
}

// InfluxConfig holds InfluxDB v2 settings. All values support environment
// variable substitution.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether the mirror is configured.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// MQTTConfig holds MQTT broker settings. String values support environment
// variable substitution.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Enabled reports whether the relay is configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		varName := submatches[1]
		hasDefault := submatches[2] != ""

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return submatches[3]
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in storage, influx and mqtt values.
// An empty document is valid and yields the defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Duration(5 * time.Second)
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 4096
	}
	if c.Channels.Ingest == "" {
		c.Channels.Ingest = defaultIngestChannel
	}
	if c.Channels.Observe == "" {
		c.Channels.Observe = defaultObserveChannel
	}
	if c.Paths.Producer == "" {
		c.Paths.Producer = defaultProducerPath
	}
	if c.Paths.Observer == "" {
		c.Paths.Observer = defaultObserverPath
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.WriteTimeout.Duration() <= 0 || c.WriteTimeout.Duration() > maxWriteTimeout {
		return fmt.Errorf("write_timeout must be between 0s and %s, got %s", maxWriteTimeout, c.WriteTimeout.Duration())
	}
	if c.MaxFrameBytes < 0 {
		return fmt.Errorf("max_frame_bytes cannot be negative, got %d", c.MaxFrameBytes)
	}

	if c.Channels.Ingest == c.Channels.Observe {
		return fmt.Errorf("channels: ingest and observe must differ, both are %q", c.Channels.Ingest)
	}
	if !strings.HasPrefix(c.Paths.Producer, "/") || !strings.HasPrefix(c.Paths.Observer, "/") {
		return fmt.Errorf("paths: producer and observer must start with /")
	}
	if c.Paths.Producer == c.Paths.Observer {
		return fmt.Errorf("paths: producer and observer must differ, both are %q", c.Paths.Producer)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateInflux(); err != nil {
		return err
	}
	return c.validateMQTT()
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite:
	default:
		return fmt.Errorf("storage: driver must be %q or %q, got %q", DriverSQLite, DriverMemory, c.Storage.Driver)
	}

	if c.Storage.DSN == "" {
		c.Storage.DSN = defaultStorageDSN
	}
	expanded, err := expandEnvVars(c.Storage.DSN)
	if err != nil {
		return fmt.Errorf("storage: dsn: %w", err)
	}
	if expanded == "" {
		return fmt.Errorf("storage: dsn is required for sqlite")
	}
	c.Storage.DSN = expanded
	return nil
}

func (c *Config) validateInflux() error {
	in := &c.Influx
	fields := []struct {
		name  string
		value *string
	}{
		{"url", &in.URL},
		{"token", &in.Token},
		{"org", &in.Org},
		{"bucket", &in.Bucket},
	}

	for _, f := range fields {
		expanded, err := expandEnvVars(*f.value)
		if err != nil {
			return fmt.Errorf("influx: %s: %w", f.name, err)
		}
		*f.value = expanded
	}

	if *in == (InfluxConfig{}) {
		return nil
	}
	for _, f := range fields {
		if *f.value == "" {
			return fmt.Errorf("influx: %s is required when influx is configured", f.name)
		}
	}
	return validateURL("influx: url", in.URL, "http", "https")
}

func (c *Config) validateMQTT() error {
	m := &c.MQTT
	fields := []struct {
		name  string
		value *string
	}{
		{"broker", &m.Broker},
		{"client_id", &m.ClientID},
		{"topic", &m.Topic},
		{"username", &m.Username},
		{"password", &m.Password},
	}

	for _, f := range fields {
		expanded, err := expandEnvVars(*f.value)
		if err != nil {
			return fmt.Errorf("mqtt: %s: %w", f.name, err)
		}
		*f.value = expanded
	}

	if m.Broker == "" {
		if m.Topic != "" || m.ClientID != "" {
			return fmt.Errorf("mqtt: broker is required when mqtt is configured")
		}
		return nil
	}
	if m.QoS < 0 || m.QoS > 1 {
		return fmt.Errorf("mqtt: qos must be 0 or 1, got %d", m.QoS)
	}
	if strings.ContainsAny(m.Topic, "+#") {
		return fmt.Errorf("mqtt: topic %q must not contain wildcards", m.Topic)
	}
	return validateURL("mqtt: broker", m.Broker, "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts")
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid url: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: scheme must be one of %s, got %q", field, strings.Join(schemes, ", "), u.Scheme)
}
