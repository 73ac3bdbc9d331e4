package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full somad configuration tree.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("soma.yaml").
//	    WithEnvPrefix("SOMA").
//	    Load()
type Config struct {
	// Broker is the protocol engine identity and discovery budget.
	Broker BrokerConfig `yaml:"broker" env:"BROKER"`

	// Server is the envelope/admin HTTP surface.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Federation configures broker-to-broker links.
	Federation FederationConfig `yaml:"federation" env:"FEDERATION"`

	// Registry configures agent liveness tracking.
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Replay configures envelope replay protection.
	Replay ReplayConfig `yaml:"replay" env:"REPLAY"`

	// Sessions configures the embodiment session manager.
	Sessions SessionsConfig `yaml:"sessions" env:"SESSIONS"`

	// Index configures the federated tool index.
	Index IndexConfig `yaml:"index" env:"INDEX"`

	// Selection configures health-based host selection.
	Selection SelectionConfig `yaml:"selection" env:"SELECTION"`

	// Persistence selects and paces the durable stores.
	Persistence PersistenceConfig `yaml:"persistence" env:"PERSISTENCE"`

	// Redis backs the replicated session store.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database backs the relational stores and migrations.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Auth guards the admin read surface.
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures the OTel SDK.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// BrokerConfig identifies this broker and bounds federated discovery.
type BrokerConfig struct {
	// BrokerID is the identity envelopes are signed under.
	BrokerID string `yaml:"broker_id" env:"BROKER_ID"`

	// KeyFile is the path to the 32-byte Ed25519 seed. Empty generates
	// an ephemeral key, which severs federation identity on restart.
	KeyFile string `yaml:"key_file" env:"KEY_FILE"`

	// MaxHops is the forwarding budget stamped on locally originated
	// discovery queries.
	MaxHops int `yaml:"max_hops" env:"MAX_HOPS"`

	// PeerQueryTimeout bounds each federated discovery round-trip.
	PeerQueryTimeout time.Duration `yaml:"peer_query_timeout" env:"PEER_QUERY_TIMEOUT"`
}

// ServerConfig is the HTTP listener and intake-protection surface.
type ServerConfig struct {
	// Addr is the envelope/admin API listen address.
	Addr string `yaml:"addr" env:"ADDR"`

	// MetricsAddr is the Prometheus listen address. Empty disables the
	// metrics server.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// MaxConnections caps concurrent accepted connections.
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey  string `yaml:"tls_key" env:"TLS_KEY"`

	// RateLimitRPS and RateLimitBurst bound per-client envelope intake.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	// CORSOrigin is the allowed origin for browser admin tooling.
	// Empty disables CORS headers.
	CORSOrigin string `yaml:"cors_origin" env:"CORS_ORIGIN"`
}

// FederationConfig configures broker-to-broker links.
type FederationConfig struct {
	// Enabled turns the link manager on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Endpoint is the websocket URL advertised to peers.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// Peers are endpoints dialed at startup.
	Peers []string `yaml:"peers" env:"PEERS"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`

	// HeartbeatTimeout is peer silence tolerated before the link
	// degrades.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`

	// MaxConsecutiveFailures severs the link when reached.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES"`
}

// RegistryConfig configures agent liveness tracking.
type RegistryConfig struct {
	// LivenessInterval is how long an agent may go without a heartbeat
	// before it is marked stale.
	LivenessInterval time.Duration `yaml:"liveness_interval" env:"LIVENESS_INTERVAL"`

	// PurgeGrace is how long a stale agent is kept before purge.
	PurgeGrace time.Duration `yaml:"purge_grace" env:"PURGE_GRACE"`

	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// ReplayConfig configures envelope replay protection.
type ReplayConfig struct {
	// Window is the timestamp acceptance window around broker time.
	Window time.Duration `yaml:"window" env:"WINDOW"`

	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// Retention keeps a sender's nonce high-water mark after its last
	// accepted envelope. Must exceed Window.
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// SessionsConfig configures the embodiment session manager.
type SessionsConfig struct {
	// DefaultTTL applies when an embodiment request names no duration.
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`

	// MaxTTL caps every grant.
	MaxTTL time.Duration `yaml:"max_ttl" env:"MAX_TTL"`

	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// RetainTerminal keeps ended sessions and their audit trails
	// queryable before pruning.
	RetainTerminal time.Duration `yaml:"retain_terminal" env:"RETAIN_TERMINAL"`

	// AuditBuffer is the durable audit spool size.
	AuditBuffer int `yaml:"audit_buffer" env:"AUDIT_BUFFER"`
}

// IndexConfig configures the federated tool index.
type IndexConfig struct {
	// FederatedTTL applies to imported entries without an explicit TTL.
	FederatedTTL time.Duration `yaml:"federated_ttl" env:"FEDERATED_TTL"`

	// SeenQueryTTL is how long forwarded query IDs are remembered for
	// loop prevention.
	SeenQueryTTL time.Duration `yaml:"seen_query_ttl" env:"SEEN_QUERY_TTL"`

	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// SelectionConfig configures health-based host selection.
type SelectionConfig struct {
	RecencyWindow   time.Duration `yaml:"recency_window" env:"RECENCY_WINDOW"`
	ErrorRateWindow time.Duration `yaml:"error_rate_window" env:"ERROR_RATE_WINDOW"`

	// The three weights blend recency, success rate, and capacity into
	// one health score. They should sum to 1.
	RecencyWeight  float64 `yaml:"recency_weight" env:"RECENCY_WEIGHT"`
	SuccessWeight  float64 `yaml:"success_weight" env:"SUCCESS_WEIGHT"`
	CapacityWeight float64 `yaml:"capacity_weight" env:"CAPACITY_WEIGHT"`

	MinHealthThreshold float64 `yaml:"min_health_threshold" env:"MIN_HEALTH_THRESHOLD"`
	FailurePenalty     float64 `yaml:"failure_penalty" env:"FAILURE_PENALTY"`
	MaxFailover        int     `yaml:"max_failover" env:"MAX_FAILOVER"`
}

// PersistenceConfig selects the durable stores.
type PersistenceConfig struct {
	// Enabled turns session snapshots and rehydration on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// SessionBackend is "redis" or "database".
	SessionBackend string `yaml:"session_backend" env:"SESSION_BACKEND"`

	// AuditEnabled writes the durable audit trail to the database.
	AuditEnabled bool `yaml:"audit_enabled" env:"AUDIT_ENABLED"`

	// SnapshotInterval paces the session mirror.
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`

	// CleanupInterval paces retention sweeps.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`

	// Retention keeps terminal sessions and audit records before
	// pruning.
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// RedisConfig configures the Redis-backed session store.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig configures the relational backend.
type DatabaseConfig struct {
	// Driver is postgres, mysql, or sqlite.
	Driver string `yaml:"driver" env:"DRIVER"`

	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`

	// Name is the database name, or the file path for sqlite.
	Name string `yaml:"name" env:"NAME"`

	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// AuthConfig guards the admin read surface. The envelope surface needs
// no bearer auth: envelopes authenticate themselves.
type AuthConfig struct {
	// Enabled requires a JWT on admin routes.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// JWTSecret is the HS256 signing secret.
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer" env:"ISSUER"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`

	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader builds a Config with fixed precedence: defaults, YAML file,
// environment.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the SOMA environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SOMA",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path. A missing file is not an
// error; defaults and environment still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the tree, building SOMA_SECTION_FIELD keys
// from env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration parses as a duration string, not an integer.
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads from the given path and panics on failure. Intended
// for main() only.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks cross-field invariants the broker depends on.
func (c *Config) Validate() error {
	var errs []string

	if c.Broker.BrokerID == "" {
		errs = append(errs, "broker_id must not be empty")
	}
	if c.Broker.MaxHops < 0 {
		errs = append(errs, "max_hops must not be negative")
	}
	if c.Server.Addr == "" {
		errs = append(errs, "server addr must not be empty")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, "tls_cert and tls_key must be set together")
	}
	if c.Replay.Retention <= c.Replay.Window {
		errs = append(errs, "replay retention must exceed the window")
	}
	if c.Sessions.DefaultTTL > c.Sessions.MaxTTL {
		errs = append(errs, "sessions default_ttl must not exceed max_ttl")
	}
	if sum := c.Selection.RecencyWeight + c.Selection.SuccessWeight + c.Selection.CapacityWeight; sum < 0.99 || sum > 1.01 {
		errs = append(errs, "selection weights must sum to 1")
	}
	switch c.Persistence.SessionBackend {
	case "", "redis", "database":
	default:
		errs = append(errs, "persistence session_backend must be redis or database")
	}
	if c.Federation.Enabled && c.Federation.Endpoint == "" {
		errs = append(errs, "federation endpoint must be set when federation is enabled")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth jwt_secret must be set when auth is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN renders the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
