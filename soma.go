// Package soma provides a top-level convenience entry point for
// embedding a broker with minimal boilerplate.
//
// Usage:
//
//	import "github.com/somatica/soma"
//
//	b, err := soma.New(soma.WithBrokerID("broker-east"))
//	b, err := soma.New(soma.WithKeys(keys), soma.WithLogger(logger))
//
// The full wiring (persistence, HTTP surface, federation dial-out)
// lives in cmd/somad; this package covers the in-process case where a
// host application wants the dispatch core and nothing else.
package soma

import (
	"go.uber.org/zap"

	"github.com/somatica/soma/broker"
	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/federation"
)

// Option configures the broker created by [New].
type Option func(*settings)

type settings struct {
	config     *broker.Config
	keys       *envelope.KeyPair
	logger     *zap.Logger
	federation *federation.Config
}

// WithConfig replaces the default broker configuration.
func WithConfig(cfg *broker.Config) Option {
	return func(s *settings) { s.config = cfg }
}

// WithBrokerID sets the broker identity without replacing the rest of
// the default configuration.
func WithBrokerID(id string) Option {
	return func(s *settings) {
		if s.config == nil {
			s.config = broker.DefaultConfig()
		}
		s.config.BrokerID = id
	}
}

// WithKeys sets the signing identity. Without it a fresh key pair is
// generated, which severs federation identity across restarts.
func WithKeys(keys *envelope.KeyPair) Option {
	return func(s *settings) { s.keys = keys }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithFederation enables broker-to-broker links.
func WithFederation(cfg *federation.Config) Option {
	return func(s *settings) { s.federation = cfg }
}

// New creates a [broker.Broker] with minimal configuration. Defaults:
// generated keys, default config, no-op logger, federation disabled.
func New(opts ...Option) (*broker.Broker, error) {
	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}

	if s.keys == nil {
		keys, err := envelope.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		s.keys = keys
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	return broker.NewWithOptions(s.config, s.keys, broker.Options{
		Federation: s.federation,
	}, s.logger), nil
}
