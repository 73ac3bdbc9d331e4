package embodiment

import (
	"time"
)

// SessionState is the lifecycle state of an embodiment session.
type SessionState string

const (
	// StateRequested is the initial state while the grant decision is
	// being made.
	StateRequested SessionState = "requested"

	// StateGranted means the guest holds a capability grant but has
	// not called a tool yet.
	StateGranted SessionState = "granted"

	// StateActive means at least one tool call was authorized.
	StateActive SessionState = "active"

	// StateDenied is terminal: the request was rejected.
	StateDenied SessionState = "denied"

	// StateExpired is terminal: the session outlived its grant.
	StateExpired SessionState = "expired"

	// StateRevoked is terminal: the host or the broker ended the
	// session before expiry.
	StateRevoked SessionState = "revoked"
)

// IsTerminal reports whether no further transition may leave the state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateDenied, StateExpired, StateRevoked:
		return true
	default:
		return false
	}
}

// Live reports whether the session may still authorize tool calls,
// expiry permitting.
func (s SessionState) Live() bool {
	return s == StateGranted || s == StateActive
}

// canTransition encodes the legal state machine edges.
func canTransition(from, to SessionState) bool {
	switch from {
	case StateRequested:
		return to == StateGranted || to == StateDenied
	case StateGranted:
		return to == StateActive || to == StateExpired || to == StateRevoked
	case StateActive:
		return to == StateExpired || to == StateRevoked
	default:
		return false
	}
}

// Session is one embodiment: a guest inhabiting a host's body under an
// explicitly granted capability set with a bounded lifetime.
type Session struct {
	SessionID string `json:"session_id"`
	GuestID   string `json:"guest_id"`
	HostID    string `json:"host_id"`
	BodyID    string `json:"body_id"`

	// RequestedCapabilities is what the guest asked for;
	// GrantedCapabilities is the narrowed set actually in force. The
	// granted set never exceeds the host's declaration and is never
	// widened after the grant.
	RequestedCapabilities []string `json:"requested_capabilities,omitempty"`
	GrantedCapabilities   []string `json:"granted_capabilities,omitempty"`

	State     SessionState `json:"state"`
	DenyCode  string       `json:"deny_code,omitempty"`
	EndReason string       `json:"end_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	GrantedAt   time.Time `json:"granted_at,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

// Expired reports whether a live session's grant has lapsed at the
// given instant.
func (s *Session) Expired(now time.Time) bool {
	return s.State.Live() && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	out := *s
	out.RequestedCapabilities = append([]string(nil), s.RequestedCapabilities...)
	out.GrantedCapabilities = append([]string(nil), s.GrantedCapabilities...)
	return &out
}
