package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Keyway Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Signing    SigningConfig    `yaml:"signing"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Revocation RevocationConfig `yaml:"revocation"`
	Security   SecurityConfig   `yaml:"security"`
}

// ServiceConfig identifies this Keyway Core instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket notification hub settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for delivery telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SigningConfig contains the Ed25519 key material for command tokens.
//
// Keys are base64-encoded Ed25519 seeds (32 bytes). The operations key
// signs routine commands; the root key signs only operations-key
// rotations and must be kept offline outside of rotation windows.
type SigningConfig struct {
	OpsPrivateKey  string `yaml:"ops_private_key"`
	RootPrivateKey string `yaml:"root_private_key"`
}

// DispatcherConfig contains command dispatcher settings.
type DispatcherConfig struct {
	// PollInterval is how often the dispatcher scans for due commands (seconds).
	PollInterval int `yaml:"poll_interval"`

	// BatchSize is the maximum number of commands claimed per tick.
	BatchSize int `yaml:"batch_size"`

	// Backoff controls the retry delay curve for failed commands.
	Backoff BackoffConfig `yaml:"backoff"`

	// RPCTimeout is the per-command gateway RPC timeout (seconds).
	RPCTimeout int `yaml:"rpc_timeout"`
}

// BackoffConfig contains exponential backoff settings.
type BackoffConfig struct {
	// BaseSeconds is the delay unit multiplied by rate^attempt.
	BaseSeconds int `yaml:"base_seconds"`

	// Rate is the exponential growth factor per attempt.
	Rate float64 `yaml:"rate"`

	// CapSeconds bounds the exponential component of the delay.
	CapSeconds int `yaml:"cap_seconds"`

	// JitterFraction is the proportional jitter added on top of the
	// delay (0.2 = up to 20% extra). Prevents synchronised retries.
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// RevocationConfig contains deny-list settings.
type RevocationConfig struct {
	// RoutePassTTL is how long issued route passes remain valid (hours).
	// Deny entries created on entitlement revocation outlive this window
	// so that already-issued passes cannot be replayed.
	RoutePassTTL int `yaml:"route_pass_ttl"`

	// PruneInterval is how often expired ledger rows are swept (hours).
	PruneInterval int `yaml:"prune_interval"`
}

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains service-token settings for the HTTP API.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: KEYWAY_SECTION_KEY
// For example: KEYWAY_DATABASE_PATH, KEYWAY_MQTT_HOST
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "keyway-core-001",
			Name: "Keyway Core",
		},
		Database: DatabaseConfig{
			Path:        "./data/keyway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "keyway-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Dispatcher: DispatcherConfig{
			PollInterval: 5,
			BatchSize:    25,
			Backoff: BackoffConfig{
				BaseSeconds:    5,
				Rate:           2.0,
				CapSeconds:     3600,
				JitterFraction: 0.2,
			},
			RPCTimeout: 10,
		},
		Revocation: RevocationConfig{
			RoutePassTTL:  24,
			PruneInterval: 24,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: KEYWAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KEYWAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("KEYWAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("KEYWAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("KEYWAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("KEYWAY_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("KEYWAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Key material and secrets are expected from the environment in
	// production deployments; the YAML fields exist for development.
	if v := os.Getenv("KEYWAY_SIGNING_OPS_KEY"); v != "" {
		cfg.Signing.OpsPrivateKey = v
	}
	if v := os.Getenv("KEYWAY_SIGNING_ROOT_KEY"); v != "" {
		cfg.Signing.RootPrivateKey = v
	}
	if v := os.Getenv("KEYWAY_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Signing.OpsPrivateKey == "" {
		errs = append(errs, "signing.ops_private_key is required (set KEYWAY_SIGNING_OPS_KEY)")
	}
	if c.Signing.RootPrivateKey == "" {
		errs = append(errs, "signing.root_private_key is required (set KEYWAY_SIGNING_ROOT_KEY)")
	}

	if c.Dispatcher.BatchSize < 1 {
		errs = append(errs, "dispatcher.batch_size must be at least 1")
	}
	if c.Dispatcher.Backoff.Rate <= 1.0 {
		errs = append(errs, "dispatcher.backoff.rate must be greater than 1.0")
	}
	if c.Revocation.RoutePassTTL < 1 {
		errs = append(errs, "revocation.route_pass_ttl must be at least 1 hour")
	}

	// Forged service tokens would allow arbitrary command submission
	// against physical locks, so a strong secret is mandatory.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set KEYWAY_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
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

// RoutePassTTLDuration returns the route pass lifetime as a Duration.
func (c *RevocationConfig) RoutePassTTLDuration() time.Duration {
	return time.Duration(c.RoutePassTTL) * time.Hour
}

// PruneIntervalDuration returns the ledger sweep interval as a Duration.
func (c *RevocationConfig) PruneIntervalDuration() time.Duration {
	return time.Duration(c.PruneInterval) * time.Hour
}
