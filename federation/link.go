package federation

import (
	"time"
)

// LinkState is the lifecycle state of a broker-to-broker link.
type LinkState string

const (
	// LinkStatePending means the handshake has started but not
	// completed. No tool imports or query forwarding happen yet.
	LinkStatePending LinkState = "pending"

	// LinkStateConnected means the mutual handshake completed and the
	// peer key is pinned.
	LinkStateConnected LinkState = "connected"

	// LinkStateDegraded means heartbeats are being missed. The link
	// still serves queries but is one failure streak from severance.
	LinkStateDegraded LinkState = "degraded"

	// LinkStateSevered means the link is down. Everything imported
	// from the peer is evicted the moment this state is entered.
	LinkStateSevered LinkState = "severed"
)

// Usable reports whether queries may be forwarded over the link.
func (s LinkState) Usable() bool {
	return s == LinkStateConnected || s == LinkStateDegraded
}

// canTransition encodes the legal link state machine edges. Reconnect
// restarts a severed link through Pending.
func canTransition(from, to LinkState) bool {
	switch from {
	case LinkStatePending:
		return to == LinkStateConnected || to == LinkStateSevered
	case LinkStateConnected:
		return to == LinkStateDegraded || to == LinkStateSevered
	case LinkStateDegraded:
		return to == LinkStateConnected || to == LinkStateSevered
	case LinkStateSevered:
		return to == LinkStatePending
	default:
		return false
	}
}

// LinkInfo is a point-in-time snapshot of one link.
type LinkInfo struct {
	BrokerID            string    `json:"broker_id"`
	Endpoint            string    `json:"endpoint"`
	State               LinkState `json:"state"`
	ConnectedAt         time.Time `json:"connected_at,omitempty"`
	LastSeen            time.Time `json:"last_seen,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}
