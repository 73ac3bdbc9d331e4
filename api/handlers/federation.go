package handlers

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/somatica/soma/federation"
)

// Subprotocol is the WebSocket subprotocol federation links speak.
const Subprotocol = "soma-federation"

// PeerAccepter runs the inbound half of the federation handshake.
type PeerAccepter interface {
	AcceptPeer(ctx context.Context, conn federation.Conn) (string, error)
}

// FederationHandler upgrades inbound peer connections.
type FederationHandler struct {
	accepter PeerAccepter
	logger   *zap.Logger
}

// NewFederationHandler builds the upgrade handler.
func NewFederationHandler(accepter PeerAccepter, logger *zap.Logger) *FederationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FederationHandler{
		accepter: accepter,
		logger:   logger.With(zap.String("component", "federation_accept")),
	}
}

// HandleUpgrade implements GET /v1/federation. The handshake completes
// before this returns; the link manager pumps the connection on its
// own context afterwards, so returning from the handler does not tear
// the link down.
func (h *FederationHandler) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		// Accept already answered the client.
		h.logger.Debug("federation upgrade rejected", zap.Error(err))
		return
	}

	if ws.Subprotocol() != Subprotocol {
		h.logger.Warn("peer negotiated no federation subprotocol",
			zap.String("remote_addr", r.RemoteAddr))
		ws.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}

	conn := federation.NewServerConn(ws)
	brokerID, err := h.accepter.AcceptPeer(r.Context(), conn)
	if err != nil {
		h.logger.Warn("federation handshake failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		conn.Close()
		return
	}

	h.logger.Info("federation link accepted",
		zap.String("remote_broker_id", brokerID),
		zap.String("remote_addr", r.RemoteAddr))
}
