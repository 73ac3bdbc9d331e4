package persistence

import (
	"context"
	"errors"
)

// Common store errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the base interface every persistent store implements.
type Store interface {
	// Close releases resources owned by the store. A store sharing a
	// connection pool it does not own treats Close as a no-op.
	Close() error

	// Ping checks whether the backend is reachable.
	Ping(ctx context.Context) error
}

// RedisConfig configures the Redis-backed stores.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password, empty for none.
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number.
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size.
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix namespaces every key this broker writes.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "soma:",
	}
}
