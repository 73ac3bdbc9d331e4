package envelope

// ToolMetadata describes a single tool exposed by a body. Pattern is the
// capability pattern the tool is filed under; InputSchema is an open
// JSON-Schema-shaped document carried verbatim.
type ToolMetadata struct {
	Name           string         `cbor:"name" json:"name"`
	Pattern        string         `cbor:"pattern" json:"pattern"`
	InputSchema    map[string]any `cbor:"inputSchema,omitempty" json:"input_schema,omitempty"`
	EnvironmentTag string         `cbor:"environmentTag,omitempty" json:"environment_tag,omitempty"`
	// LastSeen is the Unix millisecond timestamp of the most recent
	// registration or heartbeat that carried this tool.
	LastSeen int64 `cbor:"lastSeen,omitempty" json:"last_seen,omitempty"`
}

// SecurityPolicy is the host-declared policy attached to a body. Grants
// never exceed it regardless of what a guest requests.
type SecurityPolicy struct {
	// MaxSessionSeconds caps the duration of any granted session. Zero
	// means the broker default applies.
	MaxSessionSeconds int64 `cbor:"maxSessionSeconds,omitempty" json:"max_session_seconds,omitempty"`
	// AllowedGuests restricts who may request embodiment. Empty means
	// any registered agent may ask.
	AllowedGuests []string `cbor:"allowedGuests,omitempty" json:"allowed_guests,omitempty"`
}

// BodyDefinition declares an embodiable surface: its tool set, the
// capability patterns it exposes, and the host's security policy.
type BodyDefinition struct {
	BodyID       string         `cbor:"bodyId" json:"body_id"`
	Description  string         `cbor:"description,omitempty" json:"description,omitempty"`
	Tools        []ToolMetadata `cbor:"tools,omitempty" json:"tools,omitempty"`
	Capabilities []string       `cbor:"capabilities,omitempty" json:"capabilities,omitempty"`
	Policy       SecurityPolicy `cbor:"policy,omitempty" json:"policy,omitempty"`
}

// WireError is the error shape carried inside reply payloads. Code is a
// stable member of the protocol error taxonomy.
type WireError struct {
	Code    string `cbor:"code" json:"code"`
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

// RegisterAgentBody announces an agent, its signing key, and the bodies
// it hosts. Re-registration with the same key replaces the previous
// declaration atomically; a different key is an identity conflict.
type RegisterAgentBody struct {
	PublicKey []byte `cbor:"publicKey" json:"public_key"`
	// Endpoint receives envelopes addressed to the agent.
	Endpoint string `cbor:"endpoint,omitempty" json:"endpoint,omitempty"`
	// MCPEndpoint is the agent's tool transport, recorded for callers
	// that speak to the host directly after a grant.
	MCPEndpoint string           `cbor:"mcpEndpoint,omitempty" json:"mcp_endpoint,omitempty"`
	Bodies      []BodyDefinition `cbor:"bodies,omitempty" json:"bodies,omitempty"`
	// Capacity is the declared concurrent-call capacity used by host
	// selection. Zero means unknown.
	Capacity int `cbor:"capacity,omitempty" json:"capacity,omitempty"`
}

// HeartbeatBody refreshes liveness. Load optionally reports current
// utilization in [0,1] for host selection.
type HeartbeatBody struct {
	Load float64 `cbor:"load,omitempty" json:"load,omitempty"`
}

// UnregisterAgentBody removes an agent voluntarily.
type UnregisterAgentBody struct {
	Reason string `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// DiscoveryQuery filters the tool index by name pattern and required
// capability patterns. Empty fields match everything.
type DiscoveryQuery struct {
	Pattern      string   `cbor:"pattern,omitempty" json:"pattern,omitempty"`
	Capabilities []string `cbor:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// DiscoverToolsBody queries the local index and, budget permitting,
// connected federation links. OriginBrokerID and QueryID identify the
// query for loop prevention; HopCount is decremented at each forward
// and the query is not forwarded at zero.
type DiscoverToolsBody struct {
	Query          DiscoveryQuery `cbor:"query" json:"query"`
	OriginBrokerID string         `cbor:"originBrokerId,omitempty" json:"origin_broker_id,omitempty"`
	QueryID        string         `cbor:"queryId,omitempty" json:"query_id,omitempty"`
	HopCount       int            `cbor:"hopCount,omitempty" json:"hop_count,omitempty"`
}

// ToolMatch is one discovery result. RemoteBrokerID is empty for local
// matches and names the owning broker for federated ones.
type ToolMatch struct {
	AgentID        string       `cbor:"agentId,omitempty" json:"agent_id,omitempty"`
	BodyID         string       `cbor:"bodyId,omitempty" json:"body_id,omitempty"`
	RemoteBrokerID string       `cbor:"remoteBrokerId,omitempty" json:"remote_broker_id,omitempty"`
	Tool           ToolMetadata `cbor:"tool" json:"tool"`
}

// ToolsDiscoveredBody carries discovery results. Partial reports whether
// any federated link failed to answer before the deadline, in which case
// Missing lists the brokers that did not contribute.
type ToolsDiscoveredBody struct {
	QueryID string      `cbor:"queryId,omitempty" json:"query_id,omitempty"`
	Matches []ToolMatch `cbor:"matches" json:"matches"`
	Partial bool        `cbor:"partial,omitempty" json:"partial,omitempty"`
	Missing []string    `cbor:"missing,omitempty" json:"missing,omitempty"`
}

// ToolCallBody invokes a tool within an active embodiment session.
type ToolCallBody struct {
	SessionID string         `cbor:"sessionId" json:"session_id"`
	ToolName  string         `cbor:"toolName" json:"tool_name"`
	Arguments map[string]any `cbor:"arguments,omitempty" json:"arguments,omitempty"`
}

// ToolResultBody carries the outcome of a tool call. Exactly one of
// Result and Error is set.
type ToolResultBody struct {
	SessionID string     `cbor:"sessionId,omitempty" json:"session_id,omitempty"`
	CallID    string     `cbor:"callId,omitempty" json:"call_id,omitempty"`
	Result    any        `cbor:"result,omitempty" json:"result,omitempty"`
	Error     *WireError `cbor:"error,omitempty" json:"error,omitempty"`
}

// RequestEmbodimentBody asks to inhabit a body. HostAgentID may be empty
// to let the broker select a host among eligible candidates. Requested
// capabilities are narrowed against the body's declaration; the grant
// never exceeds the declared set.
type RequestEmbodimentBody struct {
	HostAgentID           string   `cbor:"hostAgentId,omitempty" json:"host_agent_id,omitempty"`
	BodyID                string   `cbor:"bodyId" json:"body_id"`
	RequestedCapabilities []string `cbor:"requestedCapabilities,omitempty" json:"requested_capabilities,omitempty"`
	DurationSeconds       int64    `cbor:"durationSeconds,omitempty" json:"duration_seconds,omitempty"`
}

// EmbodimentGrantedBody confirms a session. GrantedCapabilities is the
// narrowed set; ExpiresAt is Unix milliseconds.
type EmbodimentGrantedBody struct {
	SessionID           string   `cbor:"sessionId" json:"session_id"`
	HostAgentID         string   `cbor:"hostAgentId" json:"host_agent_id"`
	BodyID              string   `cbor:"bodyId" json:"body_id"`
	GrantedCapabilities []string `cbor:"grantedCapabilities" json:"granted_capabilities"`
	ExpiresAt           int64    `cbor:"expiresAt" json:"expires_at"`
}

// EmbodimentDeniedBody rejects an embodiment request with a stable error
// code and a human-readable reason.
type EmbodimentDeniedBody struct {
	Code   string `cbor:"code" json:"code"`
	Reason string `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// EmbodimentUpdateBody atomically replaces a hosted body's definition.
// Sessions against the body keep their granted capability set; calls
// against tools the update removed fail at dispatch.
type EmbodimentUpdateBody struct {
	Body BodyDefinition `cbor:"body" json:"body"`
}

// RevokeEmbodimentBody terminates a session before expiry. Only the host
// agent or the broker itself may revoke.
type RevokeEmbodimentBody struct {
	SessionID string `cbor:"sessionId" json:"session_id"`
	Reason    string `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// FederationConnectBody opens the mutual handshake between brokers. The
// challenge is a random value the responder must sign to prove key
// possession.
type FederationConnectBody struct {
	BrokerID  string `cbor:"brokerId" json:"broker_id"`
	PublicKey []byte `cbor:"publicKey" json:"public_key"`
	Endpoint  string `cbor:"endpoint,omitempty" json:"endpoint,omitempty"`
	Challenge []byte `cbor:"challenge" json:"challenge"`
}

// FederationConnectAckBody completes the handshake: the responder signs
// the initiator's challenge and issues its own, which the initiator
// signs on the follow-up connect. SignedChallenge covers the challenge
// bytes concatenated with the signer's broker ID.
type FederationConnectAckBody struct {
	BrokerID        string `cbor:"brokerId" json:"broker_id"`
	PublicKey       []byte `cbor:"publicKey" json:"public_key"`
	Challenge       []byte `cbor:"challenge,omitempty" json:"challenge,omitempty"`
	SignedChallenge []byte `cbor:"signedChallenge" json:"signed_challenge"`
}
