package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override.
const envPrefix = "XENBACKEND_"

// maxDomID is the largest domain id a guest can have (DOMID_FIRST_RESERVED - 1).
const maxDomID = 0x7FEF

// minJWTSecretLength is the shortest accepted HS256 signing secret.
const minJWTSecretLength = 32

// Config is the root configuration structure for xenbackd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	XenStore   XenStoreConfig   `yaml:"xenstore"`
	Hypervisor HypervisorConfig `yaml:"hypervisor"`
	Console    ConsoleConfig    `yaml:"console"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BackendConfig selects the backend domain and the device classes it serves.
type BackendConfig struct {
	// DomID is the domain this daemon runs in. 0 for dom0, or the id of a
	// driver domain.
	DomID int `yaml:"domid"`

	// Classes lists the device types to register and the guests to serve.
	Classes []ClassConfig `yaml:"classes"`
}

// ClassConfig registers one device type for a set of frontend domains.
type ClassConfig struct {
	// Type is the xenstore device type, e.g. "console" or "vkbd".
	Type string `yaml:"type"`

	// DomIDs lists the guests whose devices of this type are served.
	DomIDs []int `yaml:"domids"`
}

// XenStoreConfig locates the xenstore daemon.
type XenStoreConfig struct {
	// Socket is the xenstored unix socket.
	Socket string `yaml:"socket"`

	// Fallback is tried when Socket cannot be dialled, typically the
	// kernel's xenbus device in a driver domain.
	Fallback string `yaml:"fallback"`
}

// HypervisorConfig contains the privileged device nodes.
type HypervisorConfig struct {
	Evtchn  string `yaml:"evtchn"`
	Privcmd string `yaml:"privcmd"`
	Gntdev  string `yaml:"gntdev"`
}

// ConsoleConfig controls where guest console output goes.
type ConsoleConfig struct {
	// Output is "log" to emit one log record per line or "stdout" to write
	// prefixed lines to standard output.
	Output string `yaml:"output"`

	// Prefix is a fmt format applied to (domid, devid) for stdout output.
	Prefix string `yaml:"prefix"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes lifecycle history older than this many days.
	// Zero keeps history forever.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	TopicRoot string              `yaml:"topic_root"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
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

// APIConfig contains status API server settings.
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

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings. An empty Secret leaves the
// status API unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
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
// Environment variables follow the pattern: XENBACKEND_SECTION_KEY
// For example: XENBACKEND_DATABASE_PATH, XENBACKEND_BACKEND_DOMID
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		XenStore: XenStoreConfig{
			Socket:   "/var/run/xenstored/socket",
			Fallback: "/dev/xen/xenbus",
		},
		Hypervisor: HypervisorConfig{
			Evtchn:  "/dev/xen/evtchn",
			Privcmd: "/dev/xen/privcmd",
			Gntdev:  "/dev/xen/gntdev",
		},
		Console: ConsoleConfig{
			Output: "log",
			Prefix: "[dom%d/%d] ",
		},
		Database: DatabaseConfig{
			Path:          "./data/xenbackend.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			TopicRoot: "xenbackend",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "xenbackd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8480,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	if v := os.Getenv(envPrefix + "BACKEND_DOMID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sBACKEND_DOMID: %w", envPrefix, err))
		} else {
			cfg.Backend.DomID = n
		}
	}

	// Paths
	setString(&cfg.XenStore.Socket, "XENSTORE_SOCKET")
	setString(&cfg.Hypervisor.Evtchn, "HYPERVISOR_EVTCHN")
	setString(&cfg.Hypervisor.Privcmd, "HYPERVISOR_PRIVCMD")
	setString(&cfg.Hypervisor.Gntdev, "HYPERVISOR_GNTDEV")
	setString(&cfg.Database.Path, "DATABASE_PATH")

	// MQTT
	setString(&cfg.MQTT.Broker.Host, "MQTT_HOST")
	setString(&cfg.MQTT.Auth.Username, "MQTT_USERNAME")
	setString(&cfg.MQTT.Auth.Password, "MQTT_PASSWORD")

	// API
	setString(&cfg.API.Host, "API_HOST")

	// InfluxDB
	setString(&cfg.InfluxDB.Token, "INFLUXDB_TOKEN")

	// Security
	setString(&cfg.Security.JWT.Secret, "JWT_SECRET")

	setString(&cfg.Logging.Level, "LOG_LEVEL")

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration for errors.
//
// Every problem is reported, not just the first.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Backend.DomID < 0 || c.Backend.DomID > maxDomID {
		errs = append(errs, fmt.Sprintf("backend.domid must be between 0 and %d", maxDomID))
	}
	if len(c.Backend.Classes) == 0 {
		errs = append(errs, "backend.classes must list at least one device class")
	}
	seen := make(map[string]bool)
	for i, cl := range c.Backend.Classes {
		switch {
		case cl.Type == "":
			errs = append(errs, fmt.Sprintf("backend.classes[%d].type is required", i))
		case strings.ContainsAny(cl.Type, "/ "):
			errs = append(errs, fmt.Sprintf("backend.classes[%d].type %q is not a single path element", i, cl.Type))
		}
		if len(cl.DomIDs) == 0 {
			errs = append(errs, fmt.Sprintf("backend.classes[%d].domids must not be empty", i))
		}
		for _, d := range cl.DomIDs {
			if d <= 0 || d > maxDomID {
				errs = append(errs, fmt.Sprintf("backend.classes[%d]: invalid guest domid %d", i, d))
			}
			key := fmt.Sprintf("%s/%d", cl.Type, d)
			if seen[key] {
				errs = append(errs, fmt.Sprintf("backend.classes[%d]: %s registered twice", i, key))
			}
			seen[key] = true
		}
	}

	if c.XenStore.Socket == "" && c.XenStore.Fallback == "" {
		errs = append(errs, "xenstore.socket or xenstore.fallback is required")
	}

	switch c.Console.Output {
	case "log", "stdout":
	default:
		errs = append(errs, `console.output must be "log" or "stdout"`)
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	if strings.ContainsAny(c.MQTT.TopicRoot, "#+") {
		errs = append(errs, "mqtt.topic_root must not contain wildcards")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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
