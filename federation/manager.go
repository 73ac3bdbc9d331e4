package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/types"
)

// Config configures the link manager.
type Config struct {
	BrokerID               string        `json:"broker_id" yaml:"broker_id"`
	Endpoint               string        `json:"endpoint" yaml:"endpoint"`                                 // advertised to peers during the handshake
	HeartbeatInterval      time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`             // default 15s
	HeartbeatTimeout       time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`               // peer silence before degrading, default 45s
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" yaml:"max_consecutive_failures"` // failures before severing, default 5
	HandshakeTimeout       time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`               // default 10s
	Transport              TransportConfig
}

// DefaultConfig returns a Config with sensible defaults. BrokerID and
// Endpoint have no defaults; the caller must set them.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:      15 * time.Second,
		HeartbeatTimeout:       45 * time.Second,
		MaxConsecutiveFailures: 5,
		HandshakeTimeout:       10 * time.Second,
		Transport:              DefaultTransportConfig(),
	}
}

// Handler processes a verified envelope arriving over a link and returns
// the reply to send back, or nil for no reply. The manager stamps the
// reply's sender identity and nonce and signs it before sending.
type Handler func(ctx context.Context, remoteBrokerID string, env *envelope.Envelope) (*envelope.Envelope, error)

// StateChangeFunc observes link state transitions. Severed is the one
// callers care about most: everything imported from the peer must be
// evicted the moment it fires.
type StateChangeFunc func(brokerID string, from, to LinkState)

// pendingKey correlates a forwarded query with its reply. The peer is
// part of the key: one fan-out queries several peers under the same
// query ID, and each answer must reach its own waiter.
type pendingKey struct {
	brokerID string
	queryID  string
}

type linkEntry struct {
	brokerID    string
	endpoint    string
	publicKey   []byte
	state       LinkState
	connectedAt time.Time
	lastSeen    time.Time
	failures    int
	conn        Conn
	cancelPump  context.CancelFunc
}

func (e *linkEntry) info() LinkInfo {
	return LinkInfo{
		BrokerID:            e.brokerID,
		Endpoint:            e.endpoint,
		State:               e.state,
		ConnectedAt:         e.connectedAt,
		LastSeen:            e.lastSeen,
		ConsecutiveFailures: e.failures,
	}
}

// Manager owns the broker's federation links: the handshake that pins
// peer identities, the per-link heartbeat that drives the state machine,
// and request/response correlation for forwarded discovery queries.
type Manager struct {
	config Config
	logger *zap.Logger
	keys   *envelope.KeyPair
	replay *envelope.ReplayGuard

	mu      sync.RWMutex
	links   map[string]*linkEntry
	pending map[pendingKey]chan *envelope.Envelope

	handlerMu     sync.RWMutex
	handler       Handler
	onStateChange StateChangeFunc

	// dial is swapped out in tests to avoid real sockets.
	dial func(ctx context.Context, endpoint string) (Conn, error)

	nonce     atomic.Uint64
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a link manager signing with the given broker key pair.
func New(config Config, keys *envelope.KeyPair, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 45 * time.Second
	}
	if config.MaxConsecutiveFailures == 0 {
		config.MaxConsecutiveFailures = 5
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	m := &Manager{
		config:  config,
		logger:  logger.With(zap.String("component", "federation")),
		keys:    keys,
		replay:  envelope.NewReplayGuard(envelope.DefaultReplayGuardConfig(), logger),
		links:   make(map[string]*linkEntry),
		pending: make(map[pendingKey]chan *envelope.Envelope),
		done:    make(chan struct{}),
	}
	m.dial = func(ctx context.Context, endpoint string) (Conn, error) {
		t := NewTransportWithConfig(endpoint, config.Transport, logger)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
	// Nonces survive restarts as long as the clock moves forward.
	m.nonce.Store(uint64(time.Now().UnixNano()))
	return m
}

// SetHandler installs the dispatcher for envelopes arriving over links.
func (m *Manager) SetHandler(h Handler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

// SetDialer replaces the connection factory used by Connect, letting
// embedders supply a transport other than the default websocket one.
// Call it before the first Connect.
func (m *Manager) SetDialer(dial func(ctx context.Context, endpoint string) (Conn, error)) {
	if dial != nil {
		m.dial = dial
	}
}

// OnStateChange registers a callback invoked on every link transition.
func (m *Manager) OnStateChange(fn StateChangeFunc) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onStateChange = fn
}

// Start launches the heartbeat loop and the replay guard sweeper.
func (m *Manager) Start() {
	m.replay.Start()
	m.wg.Add(1)
	go m.run()
	m.logger.Info("federation manager started",
		zap.String("broker_id", m.config.BrokerID),
		zap.Duration("heartbeat_interval", m.config.HeartbeatInterval))
}

// Close severs all links and stops background work.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		entries := make([]*linkEntry, 0, len(m.links))
		for _, entry := range m.links {
			entries = append(entries, entry)
		}
		m.mu.Unlock()

		for _, entry := range entries {
			m.sever(entry.brokerID, "manager shutting down")
		}

		m.wg.Wait()
		m.replay.Stop()
		m.logger.Info("federation manager stopped")
	})
}

func (m *Manager) nextNonce() uint64 {
	return m.nonce.Add(1)
}

// Connect dials a peer broker and runs the initiator half of the mutual
// handshake. On success the link is Connected, the peer key is pinned,
// and the returned string is the peer's broker ID.
func (m *Manager) Connect(ctx context.Context, endpoint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
	defer cancel()

	conn, err := m.dial(ctx, endpoint)
	if err != nil {
		return "", types.NewError(types.ErrFederationUnreachable,
			fmt.Sprintf("dialing %s: %v", endpoint, err))
	}

	challenge, err := newChallenge()
	if err != nil {
		conn.Close()
		return "", err
	}

	hello, err := envelope.New(envelope.TypeFederationConnect, m.config.BrokerID, m.nextNonce(), envelope.FederationConnectBody{
		BrokerID:  m.config.BrokerID,
		PublicKey: m.keys.Public(),
		Endpoint:  m.config.Endpoint,
		Challenge: challenge,
	})
	if err != nil {
		conn.Close()
		return "", err
	}
	if err := m.keys.Sign(hello); err != nil {
		conn.Close()
		return "", err
	}
	if err := m.sendEnvelope(ctx, conn, hello); err != nil {
		conn.Close()
		return "", types.NewError(types.ErrFederationUnreachable,
			fmt.Sprintf("handshake send to %s: %v", endpoint, err))
	}

	// Await the ack carrying the peer identity and its counter-challenge.
	ackEnv, ack, err := m.receiveAck(ctx, conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	if err := envelope.Verify(ackEnv, ack.PublicKey); err != nil {
		conn.Close()
		return "", fmt.Errorf("federation: peer ack signature: %w", err)
	}
	if err := verifyChallenge(ack.PublicKey, challenge, ack.BrokerID, ack.SignedChallenge); err != nil {
		conn.Close()
		return "", fmt.Errorf("federation: peer %s failed challenge: %w", ack.BrokerID, err)
	}

	// Prove our own key over the peer's counter-challenge.
	counter, err := envelope.New(envelope.TypeFederationConnectAck, m.config.BrokerID, m.nextNonce(), envelope.FederationConnectAckBody{
		BrokerID:        m.config.BrokerID,
		PublicKey:       m.keys.Public(),
		SignedChallenge: proveChallenge(m.keys, ack.Challenge, m.config.BrokerID),
	})
	if err != nil {
		conn.Close()
		return "", err
	}
	if err := m.keys.Sign(counter); err != nil {
		conn.Close()
		return "", err
	}
	if err := m.sendEnvelope(ctx, conn, counter); err != nil {
		conn.Close()
		return "", types.NewError(types.ErrFederationUnreachable,
			fmt.Sprintf("handshake ack to %s: %v", ack.BrokerID, err))
	}

	if err := m.installLink(ack.BrokerID, endpoint, ack.PublicKey, conn); err != nil {
		conn.Close()
		return "", err
	}
	return ack.BrokerID, nil
}

// Accept runs the responder half of the handshake on an inbound
// connection, typically a WebSocket upgraded by the HTTP layer. On
// success the link is Connected and the peer key pinned.
func (m *Manager) Accept(ctx context.Context, conn Conn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
	defer cancel()

	raw, err := conn.Receive(ctx)
	if err != nil {
		return "", types.NewError(types.ErrFederationUnreachable,
			fmt.Sprintf("handshake receive: %v", err))
	}
	helloEnv, err := envelope.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("federation: handshake decode: %w", err)
	}
	if helloEnv.Type != envelope.TypeFederationConnect {
		return "", fmt.Errorf("federation: handshake opened with %s, want %s",
			helloEnv.Type, envelope.TypeFederationConnect)
	}
	var hello envelope.FederationConnectBody
	if err := helloEnv.DecodeBody(&hello); err != nil {
		return "", fmt.Errorf("federation: handshake body: %w", err)
	}
	if hello.BrokerID == "" || hello.BrokerID == m.config.BrokerID {
		return "", fmt.Errorf("federation: peer presented unusable broker id %q", hello.BrokerID)
	}
	if err := envelope.Verify(helloEnv, hello.PublicKey); err != nil {
		return "", fmt.Errorf("federation: peer hello signature: %w", err)
	}

	challenge, err := newChallenge()
	if err != nil {
		return "", err
	}
	ack, err := envelope.New(envelope.TypeFederationConnectAck, m.config.BrokerID, m.nextNonce(), envelope.FederationConnectAckBody{
		BrokerID:        m.config.BrokerID,
		PublicKey:       m.keys.Public(),
		Challenge:       challenge,
		SignedChallenge: proveChallenge(m.keys, hello.Challenge, m.config.BrokerID),
	})
	if err != nil {
		return "", err
	}
	if err := m.keys.Sign(ack); err != nil {
		return "", err
	}
	if err := m.sendEnvelope(ctx, conn, ack); err != nil {
		return "", types.NewError(types.ErrFederationUnreachable,
			fmt.Sprintf("handshake ack to %s: %v", hello.BrokerID, err))
	}

	// The peer must now prove possession over our challenge.
	counterEnv, counter, err := m.receiveAck(ctx, conn)
	if err != nil {
		return "", err
	}
	if counter.BrokerID != hello.BrokerID {
		return "", fmt.Errorf("federation: handshake identity changed from %q to %q",
			hello.BrokerID, counter.BrokerID)
	}
	if err := envelope.Verify(counterEnv, hello.PublicKey); err != nil {
		return "", fmt.Errorf("federation: peer counter-ack signature: %w", err)
	}
	if err := verifyChallenge(hello.PublicKey, challenge, counter.BrokerID, counter.SignedChallenge); err != nil {
		return "", fmt.Errorf("federation: peer %s failed challenge: %w", counter.BrokerID, err)
	}

	if err := m.installLink(hello.BrokerID, hello.Endpoint, hello.PublicKey, conn); err != nil {
		return "", err
	}
	return hello.BrokerID, nil
}

func (m *Manager) receiveAck(ctx context.Context, conn Conn) (*envelope.Envelope, *envelope.FederationConnectAckBody, error) {
	raw, err := conn.Receive(ctx)
	if err != nil {
		return nil, nil, types.NewError(types.ErrFederationUnreachable,
			fmt.Sprintf("handshake receive: %v", err))
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("federation: handshake decode: %w", err)
	}
	if env.Type != envelope.TypeFederationConnectAck {
		return nil, nil, fmt.Errorf("federation: handshake expected %s, got %s",
			envelope.TypeFederationConnectAck, env.Type)
	}
	var ack envelope.FederationConnectAckBody
	if err := env.DecodeBody(&ack); err != nil {
		return nil, nil, fmt.Errorf("federation: handshake body: %w", err)
	}
	if ack.BrokerID == "" || ack.BrokerID == m.config.BrokerID {
		return nil, nil, fmt.Errorf("federation: peer presented unusable broker id %q", ack.BrokerID)
	}
	return env, &ack, nil
}

// installLink records a freshly handshaken link and starts its receive
// pump. A severed link re-enters through Pending; a live duplicate is
// rejected so one peer cannot hold two connections.
func (m *Manager) installLink(brokerID, endpoint string, publicKey []byte, conn Conn) error {
	select {
	case <-m.done:
		return fmt.Errorf("federation: manager closed")
	default:
	}

	var transitions [][2]LinkState

	m.mu.Lock()
	entry, ok := m.links[brokerID]
	if ok && entry.state.Usable() {
		m.mu.Unlock()
		return fmt.Errorf("federation: link to %s already %s", brokerID, entry.state)
	}
	if ok {
		if entry.cancelPump != nil {
			entry.cancelPump()
		}
		if entry.state == LinkStateSevered {
			transitions = append(transitions, [2]LinkState{LinkStateSevered, LinkStatePending})
			entry.state = LinkStatePending
		}
	} else {
		entry = &linkEntry{brokerID: brokerID, state: LinkStatePending}
		m.links[brokerID] = entry
	}
	entry.endpoint = endpoint
	entry.publicKey = append([]byte(nil), publicKey...)
	entry.conn = conn
	entry.failures = 0
	entry.connectedAt = time.Now()
	entry.lastSeen = entry.connectedAt

	transitions = append(transitions, [2]LinkState{entry.state, LinkStateConnected})
	entry.state = LinkStateConnected

	pumpCtx, cancel := context.WithCancel(context.Background())
	entry.cancelPump = cancel
	m.mu.Unlock()

	for _, tr := range transitions {
		m.fireStateChange(brokerID, tr[0], tr[1])
	}
	m.logger.Info("federation link connected",
		zap.String("remote_broker", brokerID),
		zap.String("endpoint", endpoint))

	m.wg.Add(1)
	go m.pump(pumpCtx, brokerID, conn)
	return nil
}

// Disconnect explicitly severs the link to a peer.
func (m *Manager) Disconnect(brokerID string) error {
	m.mu.RLock()
	_, ok := m.links[brokerID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("federation: no link to %s", brokerID)
	}
	m.sever(brokerID, "explicit disconnect")
	return nil
}

// Query sends a request envelope to a peer and waits for the reply
// correlated by queryID. The caller bounds the wait through ctx; a peer
// that cannot answer in time costs it a failure mark and yields
// FEDERATION_UNREACHABLE.
func (m *Manager) Query(ctx context.Context, brokerID string, t envelope.Type, payload any, queryID string) (*envelope.Envelope, error) {
	m.mu.RLock()
	entry, ok := m.links[brokerID]
	var conn Conn
	var usable bool
	if ok {
		conn = entry.conn
		usable = entry.state.Usable()
	}
	m.mu.RUnlock()

	if !ok || !usable || conn == nil {
		return nil, types.NewError(types.ErrFederationUnreachable,
			fmt.Sprintf("no usable link to %s", brokerID))
	}

	env, err := envelope.New(t, m.config.BrokerID, m.nextNonce(), payload)
	if err != nil {
		return nil, err
	}
	if err := m.keys.Sign(env); err != nil {
		return nil, err
	}

	key := pendingKey{brokerID: brokerID, queryID: queryID}
	ch := make(chan *envelope.Envelope, 1)
	m.mu.Lock()
	m.pending[key] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}()

	if err := m.sendEnvelope(ctx, conn, env); err != nil {
		m.recordFailure(brokerID, "query send")
		return nil, types.NewError(types.ErrFederationUnreachable,
			fmt.Sprintf("sending to %s: %v", brokerID, err))
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		m.recordFailure(brokerID, "query timeout")
		return nil, types.NewError(types.ErrFederationUnreachable,
			fmt.Sprintf("peer %s did not answer", brokerID)).WithCause(ctx.Err())
	case <-m.done:
		return nil, types.NewError(types.ErrFederationUnreachable, "federation manager closed")
	}
}

// UsableLinks returns the broker IDs of links queries may fan out to.
func (m *Manager) UsableLinks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.links))
	for id, entry := range m.links {
		if entry.state.Usable() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Links returns a snapshot of every known link, sorted by broker ID.
func (m *Manager) Links() []LinkInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LinkInfo, 0, len(m.links))
	for _, entry := range m.links {
		out = append(out, entry.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	return out
}

// Link returns the snapshot for one peer.
func (m *Manager) Link(brokerID string) (LinkInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.links[brokerID]
	if !ok {
		return LinkInfo{}, false
	}
	return entry.info(), true
}

// PublicKeyOf returns the pinned key for a peer broker, used by the
// envelope intake to verify link-originated traffic.
func (m *Manager) PublicKeyOf(brokerID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.links[brokerID]
	if !ok || len(entry.publicKey) == 0 {
		return nil, false
	}
	return append([]byte(nil), entry.publicKey...), true
}

func (m *Manager) sendEnvelope(ctx context.Context, conn Conn, env *envelope.Envelope) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

// pump reads frames off one link until the link dies or the manager
// closes. Every verified frame refreshes the link's liveness.
func (m *Manager) pump(ctx context.Context, brokerID string, conn Conn) {
	defer m.wg.Done()
	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			default:
			}
			m.logger.Warn("link receive failed",
				zap.String("remote_broker", brokerID),
				zap.Error(err))
			m.sever(brokerID, "transport failed")
			return
		}
		m.handleFrame(ctx, brokerID, raw)
	}
}

func (m *Manager) handleFrame(ctx context.Context, brokerID string, raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		m.logger.Warn("dropping undecodable link frame",
			zap.String("remote_broker", brokerID),
			zap.Error(err))
		return
	}

	key, ok := m.PublicKeyOf(brokerID)
	if !ok {
		return
	}
	if err := envelope.Verify(env, key); err != nil {
		m.logger.Warn("dropping link frame with bad signature",
			zap.String("remote_broker", brokerID),
			zap.Error(err))
		return
	}
	if err := m.replay.Check(env); err != nil {
		m.logger.Warn("dropping replayed link frame",
			zap.String("remote_broker", brokerID),
			zap.Uint64("nonce", env.Nonce),
			zap.Error(err))
		return
	}

	m.markAlive(brokerID)

	switch env.Type {
	case envelope.TypeHeartbeat:
		// Liveness only; consumed here.
		return
	case envelope.TypeToolsDiscovered:
		var body envelope.ToolsDiscoveredBody
		if err := env.DecodeBody(&body); err != nil {
			m.logger.Warn("malformed discovery reply", zap.Error(err))
			return
		}
		m.mu.RLock()
		ch, waiting := m.pending[pendingKey{brokerID: brokerID, queryID: body.QueryID}]
		m.mu.RUnlock()
		if waiting {
			select {
			case ch <- env:
			default:
			}
			return
		}
		m.logger.Debug("discovery reply with no waiter",
			zap.String("query_id", body.QueryID),
			zap.String("remote_broker", brokerID))
		return
	case envelope.TypeFederationConnect, envelope.TypeFederationConnectAck:
		m.logger.Warn("handshake envelope on established link",
			zap.String("remote_broker", brokerID),
			zap.String("type", env.Type.String()))
		return
	}

	m.handlerMu.RLock()
	handler := m.handler
	m.handlerMu.RUnlock()
	if handler == nil {
		m.logger.Warn("no handler for link envelope",
			zap.String("type", env.Type.String()))
		return
	}

	reply, err := handler(ctx, brokerID, env)
	if err != nil {
		m.logger.Warn("link handler failed",
			zap.String("remote_broker", brokerID),
			zap.String("type", env.Type.String()),
			zap.Error(err))
		return
	}
	if reply == nil {
		return
	}
	// All frames the peer sees from this broker share one nonce
	// sequence, so the manager stamps identity and nonce, not the
	// handler.
	reply.AgentID = m.config.BrokerID
	reply.Nonce = m.nextNonce()
	if err := m.keys.Sign(reply); err != nil {
		m.logger.Error("signing link reply", zap.Error(err))
		return
	}
	m.mu.RLock()
	entry, ok := m.links[brokerID]
	var conn Conn
	if ok {
		conn = entry.conn
	}
	m.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := m.sendEnvelope(ctx, conn, reply); err != nil {
		m.logger.Warn("sending link reply",
			zap.String("remote_broker", brokerID),
			zap.Error(err))
		m.recordFailure(brokerID, "reply send")
	}
}

// markAlive resets the failure streak and recovers a degraded link.
func (m *Manager) markAlive(brokerID string) {
	var recovered bool

	m.mu.Lock()
	entry, ok := m.links[brokerID]
	if ok {
		entry.lastSeen = time.Now()
		entry.failures = 0
		if entry.state == LinkStateDegraded {
			entry.state = LinkStateConnected
			recovered = true
		}
	}
	m.mu.Unlock()

	if recovered {
		m.fireStateChange(brokerID, LinkStateDegraded, LinkStateConnected)
		m.logger.Info("federation link recovered", zap.String("remote_broker", brokerID))
	}
}

// recordFailure counts one failure against a link. The first failure on
// a Connected link degrades it; a streak reaching MaxConsecutiveFailures
// severs it.
func (m *Manager) recordFailure(brokerID, cause string) {
	var degraded, severed bool

	m.mu.Lock()
	entry, ok := m.links[brokerID]
	if !ok || entry.state == LinkStateSevered || entry.state == LinkStatePending {
		m.mu.Unlock()
		return
	}
	entry.failures++
	if entry.state == LinkStateConnected {
		entry.state = LinkStateDegraded
		degraded = true
	}
	if entry.failures >= m.config.MaxConsecutiveFailures {
		severed = true
	}
	failures := entry.failures
	m.mu.Unlock()

	if degraded {
		m.fireStateChange(brokerID, LinkStateConnected, LinkStateDegraded)
		m.logger.Warn("federation link degraded",
			zap.String("remote_broker", brokerID),
			zap.String("cause", cause),
			zap.Int("failures", failures))
	}
	if severed {
		m.sever(brokerID, fmt.Sprintf("%d consecutive failures", failures))
	}
}

// sever moves a link to Severed, tears down its transport, and fires the
// state callback so imported tools get evicted. The entry stays in the
// table; reconnecting re-enters through Pending.
func (m *Manager) sever(brokerID, reason string) {
	m.mu.Lock()
	entry, ok := m.links[brokerID]
	if !ok || entry.state == LinkStateSevered {
		m.mu.Unlock()
		return
	}
	from := entry.state
	entry.state = LinkStateSevered
	entry.failures = 0
	conn := entry.conn
	entry.conn = nil
	cancel := entry.cancelPump
	entry.cancelPump = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	m.replay.Forget(brokerID)

	m.fireStateChange(brokerID, from, LinkStateSevered)
	m.logger.Warn("federation link severed",
		zap.String("remote_broker", brokerID),
		zap.String("reason", reason))
}

func (m *Manager) fireStateChange(brokerID string, from, to LinkState) {
	if from == to {
		return
	}
	if !canTransition(from, to) {
		m.logger.Error("illegal link transition",
			zap.String("remote_broker", brokerID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	m.handlerMu.RLock()
	fn := m.onStateChange
	m.handlerMu.RUnlock()
	if fn != nil {
		fn(brokerID, from, to)
	}
}

// run drives the heartbeat loop: each tick sends a signed heartbeat over
// every usable link and degrades links whose peers have gone silent.
func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

func (m *Manager) heartbeat() {
	type target struct {
		brokerID string
		conn     Conn
		silent   bool
	}

	now := time.Now()
	m.mu.RLock()
	targets := make([]target, 0, len(m.links))
	for id, entry := range m.links {
		if !entry.state.Usable() || entry.conn == nil {
			continue
		}
		targets = append(targets, target{
			brokerID: id,
			conn:     entry.conn,
			silent:   now.Sub(entry.lastSeen) > m.config.HeartbeatTimeout,
		})
	}
	m.mu.RUnlock()

	for _, tg := range targets {
		env, err := envelope.New(envelope.TypeHeartbeat, m.config.BrokerID, m.nextNonce(), envelope.HeartbeatBody{})
		if err != nil {
			m.logger.Error("building heartbeat", zap.Error(err))
			continue
		}
		if err := m.keys.Sign(env); err != nil {
			m.logger.Error("signing heartbeat", zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.config.HeartbeatInterval)
		err = m.sendEnvelope(ctx, tg.conn, env)
		cancel()

		if err != nil {
			m.recordFailure(tg.brokerID, "heartbeat send")
			continue
		}
		if tg.silent {
			m.recordFailure(tg.brokerID, "peer silent past heartbeat timeout")
		}
	}
}
