package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/somatica/soma/embodiment"
	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/federation"
	"github.com/somatica/soma/internal/metrics"
	"github.com/somatica/soma/registry"
	"github.com/somatica/soma/selection"
	"github.com/somatica/soma/toolindex"
	"github.com/somatica/soma/types"
)

// Config holds configuration for the broker core.
type Config struct {
	// BrokerID is the identity the broker signs under. Replies,
	// rejections, and forwarded discovery queries all carry it.
	BrokerID string `json:"broker_id"`

	// MaxHops is the forwarding budget stamped onto discovery queries
	// that originate with a local caller. Each forward to a peer
	// spends one hop; a query arriving with no budget left is answered
	// from the local index alone.
	MaxHops int `json:"max_hops"`

	// PeerQueryTimeout bounds each federated discovery round-trip. A
	// peer missing the deadline contributes nothing and the result is
	// marked partial.
	PeerQueryTimeout time.Duration `json:"peer_query_timeout"`

	// Component configuration. Nil selects each component's defaults.
	Replay    *envelope.ReplayGuardConfig `json:"replay,omitempty"`
	Registry  *registry.Config            `json:"registry,omitempty"`
	Index     *toolindex.Config           `json:"index,omitempty"`
	Selection *selection.Config           `json:"selection,omitempty"`
	Sessions  *embodiment.Config          `json:"sessions,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BrokerID:         "soma-broker",
		MaxHops:          2,
		PeerQueryTimeout: 3 * time.Second,
	}
}

// Options carries optional collaborators wired in by the daemon.
type Options struct {
	// Audit receives a durable copy of every session audit record.
	Audit embodiment.AuditSink

	// Metrics records envelope, session, discovery, and federation
	// outcomes. Nil disables recording.
	Metrics *metrics.Collector

	// Federation enables broker-to-broker links when non-nil. The
	// link manager signs with the broker key pair; an empty link
	// BrokerID inherits the broker's.
	Federation *federation.Config
}

// Broker is the protocol engine: it owns every stateful component and
// serves the whole envelope surface through HandleEnvelope.
type Broker struct {
	config *Config
	logger *zap.Logger

	keys     *envelope.KeyPair
	replay   *envelope.ReplayGuard
	registry *registry.Registry
	index    *toolindex.Index
	selector *selection.Selector
	sessions *embodiment.Manager
	links    *federation.Manager
	metrics  *metrics.Collector

	nonce     atomic.Uint64
	closeOnce sync.Once
}

// New creates a broker with no audit sink, no metrics, and federation
// disabled.
func New(config *Config, keys *envelope.KeyPair, logger *zap.Logger) *Broker {
	return NewWithOptions(config, keys, Options{}, logger)
}

// NewWithOptions creates a broker with the given collaborators.
func NewWithOptions(config *Config, keys *envelope.KeyPair, opts Options, logger *zap.Logger) *Broker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BrokerID == "" {
		config.BrokerID = "soma-broker"
	}
	if config.MaxHops <= 0 {
		config.MaxHops = 2
	}
	if config.PeerQueryTimeout <= 0 {
		config.PeerQueryTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Broker{
		config:   config,
		logger:   logger.With(zap.String("component", "broker")),
		keys:     keys,
		replay:   envelope.NewReplayGuard(config.Replay, logger),
		registry: registry.New(config.Registry, logger),
		index:    toolindex.New(config.Index, logger),
		selector: selection.New(config.Selection, logger),
		sessions: embodiment.New(config.Sessions, opts.Audit, logger),
		metrics:  opts.Metrics,
	}
	b.nonce.Store(uint64(time.Now().UnixNano()))

	if opts.Federation != nil {
		linkConfig := *opts.Federation
		if linkConfig.BrokerID == "" {
			linkConfig.BrokerID = config.BrokerID
		}
		b.links = federation.New(linkConfig, keys, logger)
		b.links.SetHandler(b.handleLinkEnvelope)
		b.links.OnStateChange(b.onLinkStateChange)
	}

	b.registry.Subscribe(b.onRegistryEvent)
	return b
}

// Start brings up the owned components: replay sweeping, the registry
// liveness sweep, the index TTL sweep, the session expiry sweep, and
// the federation heartbeat loop.
func (b *Broker) Start(ctx context.Context) error {
	b.replay.Start()
	if err := b.registry.Start(ctx); err != nil {
		return err
	}
	b.index.Start()
	if err := b.sessions.Start(ctx); err != nil {
		return err
	}
	if b.links != nil {
		b.links.Start()
	}
	b.logger.Info("broker started",
		zap.String("broker_id", b.config.BrokerID),
		zap.Bool("federation", b.links != nil),
	)
	return nil
}

// Close tears the components down in reverse start order.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		if b.links != nil {
			b.links.Close()
		}
		b.sessions.Close()
		b.index.Close()
		b.registry.Close()
		b.replay.Stop()
		b.logger.Info("broker stopped")
	})
	return nil
}

// BrokerID returns the identity the broker signs under.
func (b *Broker) BrokerID() string {
	return b.config.BrokerID
}

// PublicKey returns a copy of the broker's verification key.
func (b *Broker) PublicKey() []byte {
	return b.keys.Public()
}

// Registry exposes the agent registry for admin surfaces.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Sessions exposes the session manager for admin surfaces.
func (b *Broker) Sessions() *embodiment.Manager {
	return b.sessions
}

// Index exposes the tool index for admin surfaces.
func (b *Broker) Index() *toolindex.Index {
	return b.index
}

// Links exposes the federation link manager. It is nil when federation
// is disabled.
func (b *Broker) Links() *federation.Manager {
	return b.links
}

// ConnectPeer dials a peer broker and runs the mutual handshake.
func (b *Broker) ConnectPeer(ctx context.Context, endpoint string) (string, error) {
	if b.links == nil {
		return "", types.NewError(types.ErrFederationUnreachable, "federation is not enabled")
	}
	return b.links.Connect(ctx, endpoint)
}

// AcceptPeer runs the responder side of the handshake on an accepted
// connection, typically a server-side websocket.
func (b *Broker) AcceptPeer(ctx context.Context, conn federation.Conn) (string, error) {
	if b.links == nil {
		return "", types.NewError(types.ErrFederationUnreachable, "federation is not enabled")
	}
	return b.links.Accept(ctx, conn)
}

// HandleEnvelope processes one raw signed envelope and returns the
// signed reply for types that have one. Both returns may be set at
// once: a decided rejection pairs a typed rejection envelope with the
// taxonomy error so transports can map the error to a status while
// still delivering the signed verdict. nil bytes with a nil error
// means the envelope was accepted and the type has no reply.
func (b *Broker) HandleEnvelope(ctx context.Context, raw []byte) ([]byte, error) {
	start := time.Now()

	env, err := envelope.Decode(raw)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		b.metrics.RecordEnvelope("malformed", "rejected", time.Since(start))
		b.metrics.RecordRejection(string(types.ErrDecode))
		return nil, types.NewError(types.ErrDecode, "malformed envelope").WithCause(err)
	}

	reply, err := b.process(ctx, env)

	outcome := "ok"
	if err != nil {
		outcome = "rejected"
		b.metrics.RecordRejection(string(types.GetErrorCode(err)))
	}
	b.metrics.RecordEnvelope(env.Type.String(), outcome, time.Since(start))
	return reply, err
}

func (b *Broker) process(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	if err := b.verify(env); err != nil {
		return nil, err
	}
	// Replay state only advances for authenticated senders.
	if err := b.replay.Check(env); err != nil {
		return nil, types.NewError(types.ErrReplay, "replay check failed").WithCause(err)
	}
	// From here on the sender identity is verified.
	ctx = types.WithAgentID(ctx, env.AgentID)
	return b.dispatch(ctx, env)
}

// verify authenticates the envelope sender. Registration verifies
// against the key the body carries, so first contact can be admitted
// while the registry still refuses a key change as an identity
// conflict. Every other type must verify against a pinned key: the
// registry's for agents, the link table's for peer brokers. The
// rejection is uniform across unknown sender, missing signature, and
// bad signature.
func (b *Broker) verify(env *envelope.Envelope) error {
	if env.Type == envelope.TypeRegisterAgent {
		var body envelope.RegisterAgentBody
		if err := env.DecodeBody(&body); err != nil {
			return types.NewError(types.ErrDecode, "malformed registerAgent body").WithCause(err)
		}
		if err := envelope.Verify(env, body.PublicKey); err != nil {
			b.logger.Debug("registration signature rejected",
				zap.String("agent_id", env.AgentID),
				zap.Error(err),
			)
			return types.NewError(types.ErrAuth, "signature verification failed")
		}
		// A key change must fail here, before the replay state can
		// advance under an envelope the pinned owner never signed. The
		// registry repeats the comparison under its own lock.
		if pinned, err := b.registry.PublicKeyOf(env.AgentID); err == nil && !bytes.Equal(pinned, body.PublicKey) {
			return types.NewError(types.ErrIdentityConflict,
				fmt.Sprintf("agent %s is already registered with a different key", env.AgentID))
		}
		return nil
	}

	key, err := b.registry.PublicKeyOf(env.AgentID)
	if err != nil && b.links != nil {
		if linkKey, ok := b.links.PublicKeyOf(env.AgentID); ok {
			key, err = linkKey, nil
		}
	}
	if err != nil {
		b.logger.Debug("envelope from unknown sender",
			zap.String("agent_id", env.AgentID),
			zap.String("type", env.Type.String()),
		)
		return types.NewError(types.ErrAuth, "signature verification failed")
	}
	if err := envelope.Verify(env, key); err != nil {
		b.logger.Debug("envelope signature rejected",
			zap.String("agent_id", env.AgentID),
			zap.String("type", env.Type.String()),
			zap.Error(err),
		)
		return types.NewError(types.ErrAuth, "signature verification failed")
	}
	return nil
}

// dispatch routes a verified envelope by its type. The enumeration is
// closed: broker-originated types and the federation handshake are
// refused on this path, and anything unknown is a decode error.
func (b *Broker) dispatch(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	switch env.Type {
	case envelope.TypeRegisterAgent:
		return b.handleRegister(ctx, env)
	case envelope.TypeHeartbeat:
		return b.handleHeartbeat(ctx, env)
	case envelope.TypeUnregisterAgent:
		return b.handleUnregister(ctx, env)
	case envelope.TypeDiscoverTools:
		return b.handleDiscoverTools(ctx, env)
	case envelope.TypeToolCall:
		return b.handleToolCall(ctx, env)
	case envelope.TypeToolResult:
		return b.handleToolResult(ctx, env)
	case envelope.TypeRequestEmbodiment:
		return b.handleRequestEmbodiment(ctx, env)
	case envelope.TypeRevokeEmbodiment:
		return b.handleRevokeEmbodiment(ctx, env)
	case envelope.TypeEmbodimentUpdate:
		return b.handleEmbodimentUpdate(ctx, env)
	case envelope.TypeToolsDiscovered, envelope.TypeEmbodimentGranted, envelope.TypeEmbodimentDenied:
		return nil, types.NewError(types.ErrDecode,
			fmt.Sprintf("envelope type %q is broker-originated and not accepted inbound", env.Type))
	case envelope.TypeFederationConnect, envelope.TypeFederationConnectAck:
		return nil, types.NewError(types.ErrDecode, "federation handshake runs on the link transport")
	default:
		return nil, types.NewError(types.ErrDecode, fmt.Sprintf("unknown envelope type %q", env.Type))
	}
}

// signReply wraps a payload in an envelope under the broker identity
// and signs it.
func (b *Broker) signReply(t envelope.Type, payload any) ([]byte, error) {
	env, err := envelope.New(t, b.config.BrokerID, b.nextNonce(), payload)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode reply").WithCause(err)
	}
	if err := b.keys.Sign(env); err != nil {
		return nil, types.NewError(types.ErrInternalError, "sign reply").WithCause(err)
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode reply").WithCause(err)
	}
	return raw, nil
}

func (b *Broker) nextNonce() uint64 {
	return b.nonce.Add(1)
}

// onRegistryEvent cascades liveness transitions: stale agents leave
// the discovery surface, recovered agents rejoin it, and a purge tears
// down the agent's sessions, selection history, and replay state.
func (b *Broker) onRegistryEvent(event *registry.Event) {
	switch event.Type {
	case registry.EventAgentStale:
		b.index.RemoveAgent(event.AgentID)
	case registry.EventAgentRecovered:
		if record, err := b.registry.Lookup(event.AgentID); err == nil {
			b.index.IndexAgent(record.AgentID, record.Bodies)
		}
	case registry.EventAgentPurged:
		b.index.RemoveAgent(event.AgentID)
		reason := "agent purged"
		if event.Reason != "" {
			reason = "agent purged: " + event.Reason
		}
		revoked := b.sessions.RevokeAgent(context.Background(), event.AgentID, reason)
		for i := 0; i < revoked; i++ {
			b.metrics.RecordSessionTransition("revoked")
		}
		b.selector.Forget(event.AgentID)
		b.replay.Forget(event.AgentID)
		b.recordSessionGauges()
	}
}

// onLinkStateChange keeps the index and the metrics in step with the
// link state machine. Entering Severed evicts everything imported from
// the peer.
func (b *Broker) onLinkStateChange(brokerID string, from, to federation.LinkState) {
	if to == federation.LinkStateSevered {
		b.index.EvictLink(brokerID)
	}
	b.metrics.RecordLinkTransition(string(from), string(to))
	if b.metrics != nil && b.links != nil {
		counts := make(map[federation.LinkState]int)
		for _, info := range b.links.Links() {
			counts[info.State]++
		}
		for _, state := range []federation.LinkState{
			federation.LinkStatePending,
			federation.LinkStateConnected,
			federation.LinkStateDegraded,
			federation.LinkStateSevered,
		} {
			b.metrics.SetFederationLinks(string(state), counts[state])
		}
	}
}

func (b *Broker) recordSessionGauges() {
	if b.metrics == nil {
		return
	}
	stats := b.sessions.Stats()
	for _, state := range []embodiment.SessionState{
		embodiment.StateRequested,
		embodiment.StateGranted,
		embodiment.StateActive,
		embodiment.StateDenied,
		embodiment.StateExpired,
		embodiment.StateRevoked,
	} {
		b.metrics.SetSessions(string(state), stats[state])
	}
}

// errorMessage extracts the wire-safe message from a taxonomy error.
func errorMessage(err error) string {
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}
