package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Binding directions accepted in the bindings list.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// clientIDPrefix is used when no client ID is configured.
const clientIDPrefix = "lightbus-"

// Config is the root configuration structure for lightbus.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SiteConfig identifies the installation this process controls.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MQTTConfig contains MQTT broker connection settings and topic bindings.
type MQTTConfig struct {
	Broker         MQTTBrokerConfig    `yaml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth"`
	Timeouts       MQTTTimeoutConfig   `yaml:"timeouts"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`
	HandlerTimeout time.Duration       `yaml:"handler_timeout"`
	StatusTopic    string              `yaml:"status_topic"`
	Publish        MQTTPublishConfig   `yaml:"publish"`
	Bindings       []BindingConfig     `yaml:"bindings"`
}

// MQTTBrokerConfig contains the broker address and client identity.
type MQTTBrokerConfig struct {
	// Address is a broker URI such as tcp://localhost:1883 or ssl://broker:8883.
	Address  string `yaml:"address"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTTimeoutConfig holds the three independent MQTT timeouts.
type MQTTTimeoutConfig struct {
	// Connection bounds the wait for CONNACK on open.
	Connection time.Duration `yaml:"connection"`
	// Disconnection bounds the wait for a graceful DISCONNECT.
	Disconnection time.Duration `yaml:"disconnection"`
	// Completion bounds the wait for a publish acknowledgment.
	Completion time.Duration `yaml:"completion"`
}

// MQTTReconnectConfig contains reconnect backoff settings.
type MQTTReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// MQTTPublishConfig contains outbound throttling settings.
// A zero RateLimit disables throttling.
type MQTTPublishConfig struct {
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// BindingConfig declares one topic binding.
//
// Inbound bindings are matched to handlers by Name; outbound bindings
// are looked up by Name when publishing. Outbound topics may contain
// {param} placeholders that are filled in per message.
type BindingConfig struct {
	Name      string `yaml:"name"`
	Topic     string `yaml:"topic"`
	Direction string `yaml:"direction"`
	QoS       int    `yaml:"qos"`
	// Async and Retained apply to outbound bindings only.
	Async    bool `yaml:"async"`
	Retained bool `yaml:"retained"`
}

// DatabaseConfig contains SQLite settings for the event journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
	// RetentionDays prunes journal rows older than this. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the status HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LIGHTBUS_SECTION_KEY
// For example: LIGHTBUS_MQTT_ADDRESS, LIGHTBUS_MQTT_PASSWORD
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.ClientID == "" {
		cfg.MQTT.Broker.ClientID = GenerateClientID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// GenerateClientID returns a client ID that is unique per process.
func GenerateClientID() string {
	return clientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Streetlights",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Address: "tcp://localhost:1883",
			},
			Timeouts: MQTTTimeoutConfig{
				Connection:    30 * time.Second,
				Disconnection: 5 * time.Second,
				Completion:    30 * time.Second,
			},
			Reconnect: MQTTReconnectConfig{
				InitialDelay: time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2,
				Jitter:       0.2,
			},
			HandlerTimeout: 10 * time.Second,
			Publish: MQTTPublishConfig{
				Burst: 1,
			},
		},
		Database: DatabaseConfig{
			Path:          "./data/lightbus.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIGHTBUS_MQTT_ADDRESS"); v != "" {
		cfg.MQTT.Broker.Address = v
	}
	if v := os.Getenv("LIGHTBUS_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("LIGHTBUS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LIGHTBUS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("LIGHTBUS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LIGHTBUS_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("LIGHTBUS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("LIGHTBUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected and reported together so an operator can
// fix a broken file in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	errs = append(errs, c.MQTT.validate()...)

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (m MQTTConfig) validate() []string {
	var errs []string

	u, err := url.Parse(m.Broker.Address)
	switch {
	case m.Broker.Address == "":
		errs = append(errs, "mqtt.broker.address is required")
	case err != nil || u.Host == "":
		errs = append(errs, fmt.Sprintf("mqtt.broker.address %q is not a valid URI", m.Broker.Address))
	}

	if m.Timeouts.Connection <= 0 {
		errs = append(errs, "mqtt.timeouts.connection must be positive")
	}
	if m.Timeouts.Disconnection <= 0 {
		errs = append(errs, "mqtt.timeouts.disconnection must be positive")
	}
	if m.Timeouts.Completion <= 0 {
		errs = append(errs, "mqtt.timeouts.completion must be positive")
	}
	if m.Reconnect.InitialDelay <= 0 || m.Reconnect.MaxDelay < m.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect requires 0 < initial_delay <= max_delay")
	}
	if m.Reconnect.Jitter < 0 || m.Reconnect.Jitter > 1 {
		errs = append(errs, "mqtt.reconnect.jitter must be between 0 and 1")
	}
	if m.Publish.RateLimit < 0 {
		errs = append(errs, "mqtt.publish.rate_limit cannot be negative")
	}

	names := make(map[string]bool)
	inbound := make(map[string]string)
	for i, b := range m.Bindings {
		label := fmt.Sprintf("mqtt.bindings[%d]", i)
		if b.Name == "" {
			errs = append(errs, label+".name is required")
		} else if names[b.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is declared twice", label, b.Name))
		}
		names[b.Name] = true

		if b.Topic == "" {
			errs = append(errs, label+".topic is required")
		}
		if b.QoS < 0 || b.QoS > 2 {
			errs = append(errs, label+".qos must be 0, 1, or 2")
		}

		switch strings.ToLower(b.Direction) {
		case DirectionInbound:
			if other, dup := inbound[b.Topic]; dup {
				errs = append(errs, fmt.Sprintf("%s.topic %q is already bound inbound by %q", label, b.Topic, other))
			}
			inbound[b.Topic] = b.Name
		case DirectionOutbound:
			if strings.ContainsAny(b.Topic, "+#") {
				errs = append(errs, label+".topic cannot contain wildcards for an outbound binding")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s.direction %q must be inbound or outbound", label, b.Direction))
		}
	}

	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
