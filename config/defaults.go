package config

import "time"

// DefaultConfig returns the full default tree. Section defaults match
// the defaults each subsystem applies on its own, so a config file
// that names only what it changes behaves the same as partial wiring.
func DefaultConfig() *Config {
	return &Config{
		Broker:      DefaultBrokerConfig(),
		Server:      DefaultServerConfig(),
		Federation:  DefaultFederationConfig(),
		Registry:    DefaultRegistryConfig(),
		Replay:      DefaultReplayConfig(),
		Sessions:    DefaultSessionsConfig(),
		Index:       DefaultIndexConfig(),
		Selection:   DefaultSelectionConfig(),
		Persistence: DefaultPersistenceConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Auth:        DefaultAuthConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultBrokerConfig returns the default broker identity settings.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		BrokerID:         "soma-broker",
		MaxHops:          2,
		PeerQueryTimeout: 3 * time.Second,
	}
}

// DefaultServerConfig returns the default HTTP surface settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":7420",
		MetricsAddr:     ":9091",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConnections:  2048,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultFederationConfig returns the default link settings.
// Federation stays off until an endpoint is configured.
func DefaultFederationConfig() FederationConfig {
	return FederationConfig{
		Enabled:                false,
		HeartbeatInterval:      15 * time.Second,
		HeartbeatTimeout:       45 * time.Second,
		HandshakeTimeout:       10 * time.Second,
		MaxConsecutiveFailures: 5,
	}
}

// DefaultRegistryConfig returns the default liveness settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		LivenessInterval: 90 * time.Second,
		PurgeGrace:       5 * time.Minute,
		SweepInterval:    15 * time.Second,
	}
}

// DefaultReplayConfig returns the default replay guard settings.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Window:        5 * time.Minute,
		SweepInterval: time.Minute,
		Retention:     30 * time.Minute,
	}
}

// DefaultSessionsConfig returns the default session settings.
func DefaultSessionsConfig() SessionsConfig {
	return SessionsConfig{
		DefaultTTL:     10 * time.Minute,
		MaxTTL:         time.Hour,
		SweepInterval:  time.Second,
		RetainTerminal: time.Hour,
		AuditBuffer:    1024,
	}
}

// DefaultIndexConfig returns the default tool index settings.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		FederatedTTL:  5 * time.Minute,
		SeenQueryTTL:  2 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// DefaultSelectionConfig returns the default selection settings.
func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		RecencyWindow:      10 * time.Minute,
		ErrorRateWindow:    5 * time.Minute,
		RecencyWeight:      0.4,
		SuccessWeight:      0.4,
		CapacityWeight:     0.2,
		MinHealthThreshold: 0.2,
		FailurePenalty:     0.5,
		MaxFailover:        2,
	}
}

// DefaultPersistenceConfig returns the default store settings.
// Persistence is opt-in; a broker without it is purely in-memory.
func DefaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{
		Enabled:          false,
		SessionBackend:   "redis",
		AuditEnabled:     false,
		SnapshotInterval: 5 * time.Second,
		CleanupInterval:  10 * time.Minute,
		Retention:        24 * time.Hour,
	}
}

// DefaultRedisConfig returns the default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "soma:",
	}
}

// DefaultDatabaseConfig returns the default relational settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "soma",
		Password:        "",
		Name:            "soma",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultAuthConfig returns the default admin auth settings.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled: false,
		Issuer:  "soma",
	}
}

// DefaultLogConfig returns the default logger settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default OTel settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "soma",
		SampleRate:   0.1,
	}
}
