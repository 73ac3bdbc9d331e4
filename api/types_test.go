package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somatica/soma/embodiment"
	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/registry"
)

func TestNewAgentView(t *testing.T) {
	rec := &registry.AgentRecord{
		AgentID:   "agent-a",
		PublicKey: []byte{0xde, 0xad},
		Endpoint:  "https://a.example",
		Bodies: map[string]envelope.BodyDefinition{
			"zeta": {BodyID: "zeta", Tools: []envelope.ToolMetadata{{Name: "z1"}}},
			"alpha": {
				BodyID:       "alpha",
				Description:  "first",
				Tools:        []envelope.ToolMetadata{{Name: "a1"}, {Name: "a2"}},
				Capabilities: []string{"net.fetch"},
			},
		},
		Capacity: 2,
		Load:     0.5,
		Status:   registry.AgentStatusActive,
	}

	view := NewAgentView(rec)

	assert.Equal(t, "agent-a", view.AgentID)
	assert.Equal(t, "3q0=", view.PublicKey)
	assert.Equal(t, "active", view.Status)

	// Bodies come back sorted by id regardless of map order.
	require.Len(t, view.Bodies, 2)
	assert.Equal(t, "alpha", view.Bodies[0].BodyID)
	assert.Equal(t, []string{"a1", "a2"}, view.Bodies[0].Tools)
	assert.Equal(t, "zeta", view.Bodies[1].BodyID)
}

func TestNewSessionView(t *testing.T) {
	now := time.Now()
	s := &embodiment.Session{
		SessionID:           "emb-1",
		GuestID:             "guest",
		HostID:              "host",
		BodyID:              "browser",
		GrantedCapabilities: []string{"net.fetch"},
		State:               embodiment.StateDenied,
		DenyCode:            "CAPABILITY_DENIED",
		CreatedAt:           now,
	}

	view := NewSessionView(s)

	assert.Equal(t, "emb-1", view.SessionID)
	assert.Equal(t, "denied", view.State)
	assert.Equal(t, "CAPABILITY_DENIED", view.DenyCode)
	assert.Equal(t, []string{"net.fetch"}, view.Granted)
	assert.Equal(t, now, view.CreatedAt)
}
