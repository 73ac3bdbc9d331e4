package federation

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/somatica/soma/internal/tlsutil"
)

// Conn is one bidirectional frame pipe to a peer broker. Transport
// implements it for outbound links; NewServerConn wraps connections
// accepted by the HTTP layer.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// TransportState represents the connection state of a link transport.
type TransportState string

const (
	TransportStateDisconnected TransportState = "disconnected"
	TransportStateConnecting   TransportState = "connecting"
	TransportStateConnected    TransportState = "connected"
	TransportStateReconnecting TransportState = "reconnecting"
	TransportStateFailed       TransportState = "failed"
	TransportStateClosed       TransportState = "closed"
)

// TransportConfig configures the link transport behavior.
type TransportConfig struct {
	MaxReconnects     int           // Maximum reconnection attempts (default 5, 0 = no reconnect)
	ReconnectDelay    time.Duration // Base delay for exponential backoff (default 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default 30s)
	BackoffMultiplier float64       // Backoff multiplier (default 2.0)
	ReconnectEnabled  bool          // Whether auto-reconnect is enabled (default true)
	Subprotocols      []string      // WebSocket subprotocols (default ["soma-federation"])
	SendBufferSize    int           // Outbound frame buffer size during reconnect (default 64)
}

// DefaultTransportConfig returns a TransportConfig with sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxReconnects:     5,
		ReconnectDelay:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		ReconnectEnabled:  true,
		Subprotocols:      []string{"soma-federation"},
		SendBufferSize:    64,
	}
}

// Transport carries signed envelope frames between two brokers over a
// WebSocket connection, with exponential-backoff reconnection, frame
// buffering during reconnect, and connection state callbacks. Frames
// are opaque binary blobs; encoding and signature checks belong to the
// Manager, not the transport.
type Transport struct {
	url        string
	conn       *websocket.Conn
	httpClient *http.Client
	logger     *zap.Logger

	mu             sync.Mutex
	closed         bool
	state          TransportState
	config         TransportConfig
	onStateChange  func(state TransportState)
	reconnectCount int
	done           chan struct{}
	reconnecting   bool // guards against concurrent reconnect attempts
	sendBuffer     [][]byte
}

// NewTransport creates a link transport with default configuration.
func NewTransport(url string, logger *zap.Logger) *Transport {
	return NewTransportWithConfig(url, DefaultTransportConfig(), logger)
}

// NewTransportWithConfig creates a link transport with custom configuration.
func NewTransportWithConfig(url string, config TransportConfig, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Apply defaults for zero-value fields so callers can set only what they care about.
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffMultiplier == 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.SendBufferSize == 0 {
		config.SendBufferSize = 64
	}
	if len(config.Subprotocols) == 0 {
		config.Subprotocols = []string{"soma-federation"}
	}
	return &Transport{
		url: url,
		// Timeout stays zero: the websocket dial rejects a client
		// timeout, cancellation comes from the dial context.
		httpClient: &http.Client{Transport: tlsutil.SecureTransport()},
		logger:     logger.With(zap.String("component", "federation_transport")),
		config:     config,
		state:      TransportStateDisconnected,
		done:       make(chan struct{}),
	}
}

// OnStateChange registers a callback invoked whenever the connection state changes.
func (t *Transport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = fn
}

// setState updates the internal state and fires the callback (if registered).
// Caller must NOT hold t.mu.
func (t *Transport) setState(s TransportState) {
	t.mu.Lock()
	t.state = s
	fn := t.onStateChange
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// IsConnected returns true when the transport has an active connection.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TransportStateConnected && !t.closed
}

// State returns the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the WebSocket connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.setState(TransportStateConnecting)

	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient:   t.httpClient,
		Subprotocols: t.config.Subprotocols,
	})
	if err != nil {
		t.setState(TransportStateDisconnected)
		return fmt.Errorf("websocket connect: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.setState(TransportStateConnected)
	return nil
}

// Send writes one envelope frame over the WebSocket connection.
// The write is mutex-protected to be safe for concurrent callers.
// If the write fails and reconnect is enabled, it attempts to reconnect
// and retries the send once. Frames are buffered during reconnection.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	reconnecting := t.reconnecting
	t.mu.Unlock()

	if closed {
		return fmt.Errorf("websocket: transport is closed")
	}

	// If currently reconnecting, buffer the frame
	if reconnecting {
		return t.bufferFrame(frame)
	}

	if conn == nil {
		return fmt.Errorf("websocket: not connected")
	}

	writeErr := conn.Write(ctx, websocket.MessageBinary, frame)
	if writeErr == nil {
		return nil
	}

	if !t.config.ReconnectEnabled {
		return writeErr
	}

	t.logger.Warn("send failed, attempting reconnect", zap.Error(writeErr))
	if reconnErr := t.tryReconnect(ctx); reconnErr != nil {
		return fmt.Errorf("send failed and reconnect failed: %w", writeErr)
	}

	// Retry the write on the new connection
	t.mu.Lock()
	conn = t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket: not connected after reconnect")
	}
	return conn.Write(ctx, websocket.MessageBinary, frame)
}

// Receive reads the next envelope frame from the WebSocket connection.
// On read errors, it attempts reconnection if enabled before returning
// the error.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()

		if closed {
			return nil, fmt.Errorf("websocket: transport is closed")
		}

		if conn == nil {
			return nil, fmt.Errorf("websocket: not connected")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			// Don't reconnect if context was cancelled or transport is closing
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.done:
				return nil, fmt.Errorf("websocket: transport is closed")
			default:
			}

			if !t.config.ReconnectEnabled {
				return nil, err
			}

			t.logger.Warn("receive failed, attempting reconnect", zap.Error(err))
			if reconnErr := t.tryReconnect(ctx); reconnErr != nil {
				return nil, fmt.Errorf("receive failed and reconnect failed: %w", err)
			}
			// Reconnected, loop back to read from the new connection
			continue
		}

		return data, nil
	}
}

// Close shuts down the transport and closes the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.mu.Unlock()

	t.setState(TransportStateClosed)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

// tryReconnect attempts to re-establish the WebSocket connection using
// exponential backoff with configurable multiplier and max delay.
// It retries up to MaxReconnects times. Returns nil on success or an error
// when max attempts are exhausted or the transport is closed.
// Only one reconnect loop runs at a time; concurrent callers wait for the
// in-progress attempt to finish.
func (t *Transport) tryReconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	// If another goroutine is already reconnecting, wait for it.
	if t.reconnecting {
		t.mu.Unlock()
		return t.waitForReconnect(ctx)
	}
	t.reconnecting = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	t.setState(TransportStateReconnecting)

	// Close old connection once before the retry loop
	t.mu.Lock()
	oldConn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if oldConn != nil {
		_ = oldConn.Close(websocket.StatusNormalClosure, "reconnecting")
	}

	delay := t.config.ReconnectDelay
	maxBackoff := t.config.MaxBackoff
	multiplier := t.config.BackoffMultiplier

	for attempt := 1; ; attempt++ {
		t.mu.Lock()
		if t.reconnectCount >= t.config.MaxReconnects {
			t.mu.Unlock()
			t.setState(TransportStateFailed)
			return fmt.Errorf("max reconnect attempts (%d) reached", t.config.MaxReconnects)
		}
		t.reconnectCount++
		t.mu.Unlock()

		t.logger.Info("attempting reconnect",
			zap.Int("attempt", attempt),
			zap.Int("max", t.config.MaxReconnects),
			zap.Duration("delay", delay))

		// Wait with backoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return fmt.Errorf("transport is closed")
		case <-time.After(delay):
		}

		conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
			HTTPClient:   t.httpClient,
			Subprotocols: t.config.Subprotocols,
		})
		if err != nil {
			t.logger.Error("reconnect dial failed",
				zap.Error(err),
				zap.Int("attempt", attempt))

			delay = time.Duration(float64(delay) * multiplier)
			if delay > maxBackoff {
				delay = maxBackoff
			}
			continue
		}

		// Success: install new connection and reset counter
		t.mu.Lock()
		t.conn = conn
		t.reconnectCount = 0
		t.mu.Unlock()

		t.setState(TransportStateConnected)
		t.logger.Info("reconnected successfully", zap.Int("attempt", attempt))

		t.flushSendBuffer(ctx)

		return nil
	}
}

// waitForReconnect blocks until the in-progress reconnect finishes, then
// returns nil if the transport is connected or an error otherwise.
func (t *Transport) waitForReconnect(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return fmt.Errorf("transport is closed")
		case <-ticker.C:
			t.mu.Lock()
			reconnecting := t.reconnecting
			state := t.state
			t.mu.Unlock()
			if !reconnecting {
				if state == TransportStateConnected {
					return nil
				}
				return fmt.Errorf("reconnect finished in state %s", state)
			}
		}
	}
}

// bufferFrame stores a frame for later delivery after reconnection.
// If the buffer is full, the oldest frame is dropped.
func (t *Transport) bufferFrame(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sendBuffer) >= t.config.SendBufferSize {
		// Drop oldest
		t.sendBuffer = t.sendBuffer[1:]
		t.logger.Warn("send buffer full, dropping oldest frame")
	}
	t.sendBuffer = append(t.sendBuffer, frame)
	return nil
}

// flushSendBuffer sends all buffered frames over the current connection.
func (t *Transport) flushSendBuffer(ctx context.Context) {
	t.mu.Lock()
	buf := t.sendBuffer
	t.sendBuffer = nil
	t.mu.Unlock()

	for _, frame := range buf {
		if err := t.Send(ctx, frame); err != nil {
			t.logger.Warn("failed to flush buffered frame",
				zap.Int("bytes", len(frame)),
				zap.Error(err))
		}
	}
}

// serverConn adapts an accepted WebSocket to the Conn interface.
// Server-side connections never redial; when the peer drops, the link
// severs and the peer is expected to reconnect from its side.
type serverConn struct {
	ws *websocket.Conn
}

// NewServerConn wraps an accepted WebSocket connection as a link Conn.
func NewServerConn(ws *websocket.Conn) Conn {
	return &serverConn{ws: ws}
}

func (c *serverConn) Send(ctx context.Context, frame []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, frame)
}

func (c *serverConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *serverConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "closing")
}
