package envelope

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Type represents the wire-visible envelope type. The enumeration is
// closed: dispatch rejects anything outside it with a decode error, and
// the values must remain stable for compatibility.
type Type string

const (
	TypeRegisterAgent        Type = "registerAgent"
	TypeHeartbeat            Type = "heartbeat"
	TypeUnregisterAgent      Type = "unregisterAgent"
	TypeDiscoverTools        Type = "discoverTools"
	TypeToolsDiscovered      Type = "toolsDiscovered"
	TypeToolCall             Type = "toolCall"
	TypeToolResult           Type = "toolResult"
	TypeRequestEmbodiment    Type = "requestEmbodiment"
	TypeEmbodimentGranted    Type = "embodimentGranted"
	TypeEmbodimentDenied     Type = "embodimentDenied"
	TypeEmbodimentUpdate     Type = "embodimentUpdate"
	TypeRevokeEmbodiment     Type = "revokeEmbodiment"
	TypeFederationConnect    Type = "federationConnect"
	TypeFederationConnectAck Type = "federationConnectAck"
)

// IsValid checks whether the type is a member of the closed enumeration.
func (t Type) IsValid() bool {
	switch t {
	case TypeRegisterAgent, TypeHeartbeat, TypeUnregisterAgent,
		TypeDiscoverTools, TypeToolsDiscovered, TypeToolCall, TypeToolResult,
		TypeRequestEmbodiment, TypeEmbodimentGranted, TypeEmbodimentDenied,
		TypeEmbodimentUpdate, TypeRevokeEmbodiment,
		TypeFederationConnect, TypeFederationConnectAck:
		return true
	default:
		return false
	}
}

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// Envelope is the signed, typed message unit of the protocol. Signature
// covers the canonical byte form of every other field, so two envelopes
// with the same logical content always produce the same signed bytes.
type Envelope struct {
	// Type selects the body schema and the dispatch target.
	Type Type `cbor:"type" json:"type"`
	// AgentID identifies the sender. Brokers participate under their own
	// agent identity like any other sender.
	AgentID string `cbor:"agentId" json:"agent_id"`
	// Nonce is a per-sender counter. A verifier accepts an envelope at
	// most once per (agentId, nonce) and requires nonces to strictly
	// advance within the replay window.
	Nonce uint64 `cbor:"nonce" json:"nonce"`
	// Timestamp is the creation time in Unix milliseconds. Envelopes
	// older than the replay window are rejected.
	Timestamp int64 `cbor:"timestamp" json:"timestamp"`
	// Body is the canonically encoded type-specific payload.
	Body cbor.RawMessage `cbor:"body" json:"body,omitempty"`
	// Signature is the Ed25519 signature over the canonical encoding of
	// the envelope with an empty signature field.
	Signature []byte `cbor:"signature,omitempty" json:"signature,omitempty"`
}

// New builds an unsigned envelope with the current timestamp. The payload
// is canonically encoded immediately so later signing and re-encoding
// cannot drift.
func New(t Type, agentID string, nonce uint64, payload any) (*Envelope, error) {
	body, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      t,
		AgentID:   agentID,
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
		Body:      body,
	}, nil
}

// Time returns the envelope timestamp as time.Time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Validate checks that all required fields are present and the type is a
// member of the closed enumeration.
func (e *Envelope) Validate() error {
	if !e.Type.IsValid() {
		return ErrInvalidType
	}
	if e.AgentID == "" {
		return ErrMissingAgentID
	}
	if e.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	return nil
}

// DecodeBody decodes the envelope body into the given payload struct.
func (e *Envelope) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return ErrMissingBody
	}
	return Unmarshal(e.Body, v)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Body != nil {
		clone.Body = append(cbor.RawMessage(nil), e.Body...)
	}
	if e.Signature != nil {
		clone.Signature = append([]byte(nil), e.Signature...)
	}
	return &clone
}
