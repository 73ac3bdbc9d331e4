package registry

import (
	"time"

	"github.com/somatica/soma/envelope"
)

// AgentStatus describes the liveness of a registered agent.
type AgentStatus string

const (
	// AgentStatusActive means the agent is within its liveness window
	// and participates in discovery and selection.
	AgentStatusActive AgentStatus = "active"

	// AgentStatusStale means heartbeats stopped arriving. Stale agents
	// are excluded from discovery and selection but keep their pinned
	// key until purged.
	AgentStatusStale AgentStatus = "stale"
)

// AgentRecord is the registry's view of one agent: its pinned signing
// key, endpoints, declared bodies, and liveness bookkeeping.
type AgentRecord struct {
	AgentID   string `json:"agent_id"`
	PublicKey []byte `json:"public_key"`

	// Endpoint receives envelopes addressed to the agent.
	Endpoint string `json:"endpoint,omitempty"`

	// MCPEndpoint is the agent's tool transport.
	MCPEndpoint string `json:"mcp_endpoint,omitempty"`

	// Bodies maps bodyId to the current declaration.
	Bodies map[string]envelope.BodyDefinition `json:"bodies,omitempty"`

	// Capacity is the declared concurrent-call capacity; Load is the
	// last reported utilization in [0,1].
	Capacity int     `json:"capacity,omitempty"`
	Load     float64 `json:"load,omitempty"`

	Status       AgentStatus `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastSeen     time.Time   `json:"last_seen"`
}

// EventType identifies a registry lifecycle event.
type EventType string

const (
	// EventAgentRegistered fires on first registration of an identity.
	EventAgentRegistered EventType = "agent_registered"

	// EventAgentRefreshed fires when an agent re-registers with its
	// pinned key and replaces its declaration.
	EventAgentRefreshed EventType = "agent_refreshed"

	// EventAgentStale fires when the liveness sweep marks an agent
	// stale.
	EventAgentStale EventType = "agent_stale"

	// EventAgentRecovered fires when a stale agent heartbeats again.
	EventAgentRecovered EventType = "agent_recovered"

	// EventAgentPurged fires when an agent is removed, voluntarily or
	// by the sweep. Downstream handlers cascade: tool index entries
	// and sessions involving the agent are torn down.
	EventAgentPurged EventType = "agent_purged"
)

// Event is delivered to subscribed handlers on lifecycle transitions.
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler receives registry events. Handlers run on their own
// goroutines and must not call back into the registry synchronously
// under their own locks.
type EventHandler func(*Event)
