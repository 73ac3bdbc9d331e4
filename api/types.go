package api

import (
	"encoding/base64"
	"sort"
	"time"

	"github.com/somatica/soma/embodiment"
	"github.com/somatica/soma/federation"
	"github.com/somatica/soma/registry"
)

// AgentView is the admin listing shape for one registered agent. The
// pinned key travels base64 encoded so operators can compare identities
// without handling raw bytes.
type AgentView struct {
	AgentID      string     `json:"agent_id"`
	PublicKey    string     `json:"public_key"`
	Endpoint     string     `json:"endpoint,omitempty"`
	MCPEndpoint  string     `json:"mcp_endpoint,omitempty"`
	Bodies       []BodyView `json:"bodies,omitempty"`
	Capacity     int        `json:"capacity,omitempty"`
	Load         float64    `json:"load"`
	Status       string     `json:"status"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeen     time.Time  `json:"last_seen"`
}

// BodyView summarizes one declared body.
type BodyView struct {
	BodyID       string   `json:"body_id"`
	Description  string   `json:"description,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// LinkView is the admin listing shape for one federation link.
type LinkView struct {
	BrokerID            string    `json:"broker_id"`
	Endpoint            string    `json:"endpoint,omitempty"`
	State               string    `json:"state"`
	ConnectedAt         time.Time `json:"connected_at,omitempty"`
	LastSeen            time.Time `json:"last_seen,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// SessionView is the admin listing shape for one embodiment session.
type SessionView struct {
	SessionID string    `json:"session_id"`
	GuestID   string    `json:"guest_id"`
	HostID    string    `json:"host_id"`
	BodyID    string    `json:"body_id,omitempty"`
	Granted   []string  `json:"granted,omitempty"`
	State     string    `json:"state"`
	DenyCode  string    `json:"deny_code,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// AuditEntryView is one audit trail line.
type AuditEntryView struct {
	Sequence  uint64    `json:"sequence"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentListResponse wraps GET /v1/agents.
type AgentListResponse struct {
	Agents []AgentView `json:"agents"`
	Count  int         `json:"count"`
}

// LinkListResponse wraps GET /v1/links.
type LinkListResponse struct {
	Links []LinkView `json:"links"`
	Count int        `json:"count"`
}

// SessionListResponse wraps GET /v1/sessions.
type SessionListResponse struct {
	Sessions []SessionView `json:"sessions"`
	Count    int           `json:"count"`
}

// AuditTrailResponse wraps GET /v1/sessions/{id}/audit.
type AuditTrailResponse struct {
	SessionID string           `json:"session_id"`
	Records   []AuditEntryView `json:"records"`
	Count     int              `json:"count"`
}

// VersionInfo is the /version payload.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	BrokerID  string `json:"broker_id,omitempty"`
}

// NewAgentView converts a registry record, sorting bodies by id for a
// stable listing.
func NewAgentView(rec *registry.AgentRecord) AgentView {
	view := AgentView{
		AgentID:      rec.AgentID,
		PublicKey:    base64.StdEncoding.EncodeToString(rec.PublicKey),
		Endpoint:     rec.Endpoint,
		MCPEndpoint:  rec.MCPEndpoint,
		Capacity:     rec.Capacity,
		Load:         rec.Load,
		Status:       string(rec.Status),
		RegisteredAt: rec.RegisteredAt,
		LastSeen:     rec.LastSeen,
	}
	for _, body := range rec.Bodies {
		bv := BodyView{
			BodyID:       body.BodyID,
			Description:  body.Description,
			Capabilities: body.Capabilities,
		}
		for _, tool := range body.Tools {
			bv.Tools = append(bv.Tools, tool.Name)
		}
		view.Bodies = append(view.Bodies, bv)
	}
	sortBodyViews(view.Bodies)
	return view
}

// NewLinkView converts a federation link snapshot.
func NewLinkView(info federation.LinkInfo) LinkView {
	return LinkView{
		BrokerID:            info.BrokerID,
		Endpoint:            info.Endpoint,
		State:               string(info.State),
		ConnectedAt:         info.ConnectedAt,
		LastSeen:            info.LastSeen,
		ConsecutiveFailures: info.ConsecutiveFailures,
	}
}

// NewSessionView converts a session snapshot.
func NewSessionView(s *embodiment.Session) SessionView {
	return SessionView{
		SessionID: s.SessionID,
		GuestID:   s.GuestID,
		HostID:    s.HostID,
		BodyID:    s.BodyID,
		Granted:   s.GrantedCapabilities,
		State:     string(s.State),
		DenyCode:  s.DenyCode,
		EndReason: s.EndReason,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		EndedAt:   s.EndedAt,
	}
}

// NewAuditEntryView converts an audit record.
func NewAuditEntryView(rec embodiment.AuditRecord) AuditEntryView {
	return AuditEntryView{
		Sequence:  rec.Sequence,
		Event:     rec.Event,
		Actor:     rec.Actor,
		ToolName:  rec.ToolName,
		Detail:    rec.Detail,
		Timestamp: rec.Timestamp,
	}
}

func sortBodyViews(views []BodyView) {
	sort.Slice(views, func(i, j int) bool { return views[i].BodyID < views[j].BodyID })
}
