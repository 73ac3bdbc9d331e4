package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somatica/soma/embodiment"
	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/types"
)

// testAgent signs envelopes under one identity with advancing nonces.
type testAgent struct {
	id    string
	keys  *envelope.KeyPair
	nonce uint64
}

func newTestAgent(t *testing.T, id string) *testAgent {
	t.Helper()
	keys, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	return &testAgent{id: id, keys: keys}
}

func (a *testAgent) envelope(t *testing.T, typ envelope.Type, payload any) []byte {
	t.Helper()
	a.nonce++
	env, err := envelope.New(typ, a.id, a.nonce, payload)
	require.NoError(t, err)
	require.NoError(t, a.keys.Sign(env))
	raw, err := envelope.Encode(env)
	require.NoError(t, err)
	return raw
}

func newTestBroker(t *testing.T, config *Config) *Broker {
	t.Helper()
	if config == nil {
		config = &Config{BrokerID: "broker-under-test"}
	}
	keys, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	b := New(config, keys, nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func decodeReply(t *testing.T, b *Broker, raw []byte) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Decode(raw)
	require.NoError(t, err)
	require.NoError(t, envelope.Verify(env, b.PublicKey()))
	assert.Equal(t, b.BrokerID(), env.AgentID)
	return env
}

func kioskBody() envelope.BodyDefinition {
	return envelope.BodyDefinition{
		BodyID:      "kiosk",
		Description: "lobby kiosk surface",
		Tools: []envelope.ToolMetadata{
			{Name: "ui.display_text"},
			{Name: "ui.play_audio"},
		},
	}
}

func registerAgent(t *testing.T, b *Broker, agent *testAgent, bodies ...envelope.BodyDefinition) {
	t.Helper()
	raw := agent.envelope(t, envelope.TypeRegisterAgent, &envelope.RegisterAgentBody{
		PublicKey: agent.keys.Public(),
		Endpoint:  "https://" + agent.id + ".local/envelopes",
		Bodies:    bodies,
		Capacity:  4,
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)
	require.Nil(t, reply)
}

// grantSession registers host and guest and walks one embodiment
// request through to a grant.
func grantSession(t *testing.T, b *Broker, host, guest *testAgent, capabilities ...string) string {
	t.Helper()
	registerAgent(t, b, host, kioskBody())
	registerAgent(t, b, guest)

	raw := guest.envelope(t, envelope.TypeRequestEmbodiment, &envelope.RequestEmbodimentBody{
		HostAgentID:           host.id,
		BodyID:                "kiosk",
		RequestedCapabilities: capabilities,
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)

	env := decodeReply(t, b, reply)
	require.Equal(t, envelope.TypeEmbodimentGranted, env.Type)
	var granted envelope.EmbodimentGrantedBody
	require.NoError(t, env.DecodeBody(&granted))
	return granted.SessionID
}

func TestHandleEnvelopeRejectsMalformedBytes(t *testing.T) {
	b := newTestBroker(t, nil)

	reply, err := b.HandleEnvelope(context.Background(), []byte("not an envelope"))
	assert.Nil(t, reply)
	assert.True(t, types.IsCode(err, types.ErrDecode))
}

func TestRegisterIndexesDeclaredTools(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")

	registerAgent(t, b, host, kioskBody())

	record, err := b.Registry().Lookup("agent-host")
	require.NoError(t, err)
	assert.Equal(t, host.keys.Public(), record.PublicKey)

	local, federated := b.Index().Len()
	assert.Equal(t, 2, local)
	assert.Equal(t, 0, federated)
}

func TestRegisterKeyChangeRejected(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	registerAgent(t, b, host, kioskBody())

	impostor := newTestAgent(t, "agent-host")
	raw := impostor.envelope(t, envelope.TypeRegisterAgent, &envelope.RegisterAgentBody{
		PublicKey: impostor.keys.Public(),
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	assert.Nil(t, reply)
	assert.True(t, types.IsCode(err, types.ErrIdentityConflict))

	// The original declaration survives the attempt.
	record, lookupErr := b.Registry().Lookup("agent-host")
	require.NoError(t, lookupErr)
	assert.Equal(t, host.keys.Public(), record.PublicKey)
}

func TestUnknownSenderRejectedUniformly(t *testing.T) {
	b := newTestBroker(t, nil)
	stranger := newTestAgent(t, "agent-stranger")

	raw := stranger.envelope(t, envelope.TypeHeartbeat, &envelope.HeartbeatBody{})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	assert.Nil(t, reply)
	assert.True(t, types.IsCode(err, types.ErrAuth))
	assert.EqualError(t, err, "[AUTH_ERROR] signature verification failed")
}

func TestWrongKeySignatureRejectedUniformly(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	registerAgent(t, b, host, kioskBody())

	// Same identity, different signing key: the pinned key must win,
	// and the rejection must read exactly like the unknown-sender one.
	forger := newTestAgent(t, "agent-host")
	forger.nonce = host.nonce
	raw := forger.envelope(t, envelope.TypeHeartbeat, &envelope.HeartbeatBody{})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	assert.Nil(t, reply)
	assert.True(t, types.IsCode(err, types.ErrAuth))
	assert.EqualError(t, err, "[AUTH_ERROR] signature verification failed")
}

func TestReplayedEnvelopeRejected(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	registerAgent(t, b, host, kioskBody())

	raw := host.envelope(t, envelope.TypeHeartbeat, &envelope.HeartbeatBody{Load: 0.5})
	_, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)

	_, err = b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrReplay))

	// A nonce behind the high-water mark is refused even when unseen.
	env, err := envelope.New(envelope.TypeHeartbeat, host.id, 1, &envelope.HeartbeatBody{})
	require.NoError(t, err)
	require.NoError(t, host.keys.Sign(env))
	stale, err := envelope.Encode(env)
	require.NoError(t, err)
	_, err = b.HandleEnvelope(context.Background(), stale)
	assert.True(t, types.IsCode(err, types.ErrReplay))
}

func TestBrokerOriginatedTypesRefusedInbound(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	registerAgent(t, b, host, kioskBody())

	for _, typ := range []envelope.Type{
		envelope.TypeToolsDiscovered,
		envelope.TypeEmbodimentGranted,
		envelope.TypeEmbodimentDenied,
	} {
		raw := host.envelope(t, typ, map[string]any{})
		reply, err := b.HandleEnvelope(context.Background(), raw)
		assert.Nil(t, reply, "type %s", typ)
		assert.True(t, types.IsCode(err, types.ErrDecode), "type %s", typ)
	}

	raw := host.envelope(t, envelope.TypeFederationConnect, &envelope.FederationConnectBody{BrokerID: "x"})
	_, err := b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrDecode))
	assert.Contains(t, err.Error(), "link transport")
}

func TestHeartbeatCarriesLoad(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	registerAgent(t, b, host, kioskBody())

	raw := host.envelope(t, envelope.TypeHeartbeat, &envelope.HeartbeatBody{Load: 0.75})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)
	assert.Nil(t, reply)

	record, err := b.Registry().Lookup("agent-host")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, record.Load, 1e-9)
}

func TestEmbodimentGrantNarrowsToDeclared(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	registerAgent(t, b, host, kioskBody())
	registerAgent(t, b, guest)

	raw := guest.envelope(t, envelope.TypeRequestEmbodiment, &envelope.RequestEmbodimentBody{
		HostAgentID:           host.id,
		BodyID:                "kiosk",
		RequestedCapabilities: []string{"ui.*"},
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)

	env := decodeReply(t, b, reply)
	require.Equal(t, envelope.TypeEmbodimentGranted, env.Type)

	var granted envelope.EmbodimentGrantedBody
	require.NoError(t, env.DecodeBody(&granted))
	assert.Equal(t, host.id, granted.HostAgentID)
	assert.Equal(t, "kiosk", granted.BodyID)
	assert.ElementsMatch(t, []string{"ui.display_text", "ui.play_audio"}, granted.GrantedCapabilities)
	assert.Greater(t, granted.ExpiresAt, time.Now().UnixMilli())
}

func TestEmbodimentDeniedOutsideDeclaration(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	registerAgent(t, b, host, kioskBody())
	registerAgent(t, b, guest)

	raw := guest.envelope(t, envelope.TypeRequestEmbodiment, &envelope.RequestEmbodimentBody{
		HostAgentID:           host.id,
		BodyID:                "kiosk",
		RequestedCapabilities: []string{"game.load_state"},
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrCapabilityDenied))

	env := decodeReply(t, b, reply)
	require.Equal(t, envelope.TypeEmbodimentDenied, env.Type)
	var denied envelope.EmbodimentDeniedBody
	require.NoError(t, env.DecodeBody(&denied))
	assert.Equal(t, string(types.ErrCapabilityDenied), denied.Code)
	assert.NotEmpty(t, denied.Reason)
}

func TestEmbodimentDeniedForUnknownHost(t *testing.T) {
	b := newTestBroker(t, nil)
	guest := newTestAgent(t, "agent-guest")
	registerAgent(t, b, guest)

	raw := guest.envelope(t, envelope.TypeRequestEmbodiment, &envelope.RequestEmbodimentBody{
		HostAgentID:           "agent-ghost",
		BodyID:                "kiosk",
		RequestedCapabilities: []string{"ui.*"},
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrNoneAvailable))

	env := decodeReply(t, b, reply)
	require.Equal(t, envelope.TypeEmbodimentDenied, env.Type)
	var denied envelope.EmbodimentDeniedBody
	require.NoError(t, env.DecodeBody(&denied))
	assert.Equal(t, string(types.ErrNoneAvailable), denied.Code)
}

func TestOpenRequestSelectsAmongDeclaringHosts(t *testing.T) {
	b := newTestBroker(t, nil)
	hostA := newTestAgent(t, "agent-host-a")
	hostB := newTestAgent(t, "agent-host-b")
	guest := newTestAgent(t, "agent-guest")
	registerAgent(t, b, hostA, kioskBody())
	registerAgent(t, b, hostB, kioskBody())
	registerAgent(t, b, guest)

	raw := guest.envelope(t, envelope.TypeRequestEmbodiment, &envelope.RequestEmbodimentBody{
		BodyID:                "kiosk",
		RequestedCapabilities: []string{"ui.*"},
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)

	env := decodeReply(t, b, reply)
	require.Equal(t, envelope.TypeEmbodimentGranted, env.Type)
	var granted envelope.EmbodimentGrantedBody
	require.NoError(t, env.DecodeBody(&granted))
	assert.Contains(t, []string{hostA.id, hostB.id}, granted.HostAgentID)
}

func TestToolCallWithinGrant(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	sessionID := grantSession(t, b, host, guest, "ui.*")

	raw := guest.envelope(t, envelope.TypeToolCall, &envelope.ToolCallBody{
		SessionID: sessionID,
		ToolName:  "ui.display_text",
		Arguments: map[string]any{"text": "hello"},
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)

	env := decodeReply(t, b, reply)
	require.Equal(t, envelope.TypeToolResult, env.Type)
	var result envelope.ToolResultBody
	require.NoError(t, env.DecodeBody(&result))
	assert.Equal(t, sessionID, result.SessionID)
	assert.NotEmpty(t, result.CallID)
	assert.Nil(t, result.Error)

	session, err := b.Sessions().Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, embodiment.StateActive, session.State)
}

func TestToolCallOutsideGrantRejected(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	sessionID := grantSession(t, b, host, guest, "ui.display_text")

	raw := guest.envelope(t, envelope.TypeToolCall, &envelope.ToolCallBody{
		SessionID: sessionID,
		ToolName:  "ui.play_audio",
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrCapabilityDenied))

	env := decodeReply(t, b, reply)
	require.Equal(t, envelope.TypeToolResult, env.Type)
	var result envelope.ToolResultBody
	require.NoError(t, env.DecodeBody(&result))
	require.NotNil(t, result.Error)
	assert.Equal(t, string(types.ErrCapabilityDenied), result.Error.Code)

	// The denial does not end the session.
	session, err := b.Sessions().Get(sessionID)
	require.NoError(t, err)
	assert.True(t, session.State.Live())
}

func TestToolCallByNonGuestRejected(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	sessionID := grantSession(t, b, host, guest, "ui.*")

	raw := host.envelope(t, envelope.TypeToolCall, &envelope.ToolCallBody{
		SessionID: sessionID,
		ToolName:  "ui.display_text",
	})
	_, err := b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrCapabilityDenied))
	assert.Contains(t, err.Error(), "not the session guest")
}

func TestRevokeBlocksSubsequentCalls(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	sessionID := grantSession(t, b, host, guest, "ui.*")

	// Guests cannot revoke.
	raw := guest.envelope(t, envelope.TypeRevokeEmbodiment, &envelope.RevokeEmbodimentBody{
		SessionID: sessionID,
	})
	_, err := b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrCapabilityDenied))

	raw = host.envelope(t, envelope.TypeRevokeEmbodiment, &envelope.RevokeEmbodimentBody{
		SessionID: sessionID,
		Reason:    "maintenance window",
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)
	assert.Nil(t, reply)

	raw = guest.envelope(t, envelope.TypeToolCall, &envelope.ToolCallBody{
		SessionID: sessionID,
		ToolName:  "ui.display_text",
	})
	_, err = b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrSessionRevoked))

	trail, err := b.Sessions().AuditTrail(sessionID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, embodiment.AuditRevoked, last.Event)
	assert.Equal(t, host.id, last.Actor)
}

func TestExpiredSessionRejectsCalls(t *testing.T) {
	b := newTestBroker(t, &Config{
		BrokerID: "broker-under-test",
		Sessions: &embodiment.Config{
			DefaultSessionTTL: 30 * time.Millisecond,
			MaxSessionTTL:     time.Minute,
			SweepInterval:     time.Hour, // expiry must hold lazily
			RetainTerminal:    time.Hour,
		},
	})
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	sessionID := grantSession(t, b, host, guest, "ui.*")

	time.Sleep(60 * time.Millisecond)

	raw := guest.envelope(t, envelope.TypeToolCall, &envelope.ToolCallBody{
		SessionID: sessionID,
		ToolName:  "ui.display_text",
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrSessionExpired))

	env := decodeReply(t, b, reply)
	var result envelope.ToolResultBody
	require.NoError(t, env.DecodeBody(&result))
	require.NotNil(t, result.Error)
	assert.Equal(t, string(types.ErrSessionExpired), result.Error.Code)
}

func TestUnregisterTearsDownAgent(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	sessionID := grantSession(t, b, host, guest, "ui.*")

	raw := host.envelope(t, envelope.TypeUnregisterAgent, &envelope.UnregisterAgentBody{
		Reason: "shutting down",
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)
	assert.Nil(t, reply)

	_, err = b.Registry().Lookup(host.id)
	assert.True(t, types.IsCode(err, types.ErrAgentNotFound))

	local, _ := b.Index().Len()
	assert.Equal(t, 0, local)

	session, err := b.Sessions().Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, embodiment.StateRevoked, session.State)

	// The released identity can re-register from a fresh nonce
	// sequence.
	reborn := newTestAgent(t, "agent-host")
	registerAgent(t, b, reborn, kioskBody())
}

func TestBodyUpdateRemovedToolFailsAtDispatch(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	sessionID := grantSession(t, b, host, guest, "ui.*")

	trimmed := envelope.BodyDefinition{
		BodyID: "kiosk",
		Tools: []envelope.ToolMetadata{
			{Name: "ui.display_text"},
		},
	}
	raw := host.envelope(t, envelope.TypeEmbodimentUpdate, &envelope.EmbodimentUpdateBody{Body: trimmed})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)
	assert.Nil(t, reply)

	local, _ := b.Index().Len()
	assert.Equal(t, 1, local)

	// The session keeps its granted set, but the removed tool is gone
	// at dispatch time.
	raw = guest.envelope(t, envelope.TypeToolCall, &envelope.ToolCallBody{
		SessionID: sessionID,
		ToolName:  "ui.play_audio",
	})
	_, err = b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrNoneAvailable))

	raw = guest.envelope(t, envelope.TypeToolCall, &envelope.ToolCallBody{
		SessionID: sessionID,
		ToolName:  "ui.display_text",
	})
	_, err = b.HandleEnvelope(context.Background(), raw)
	assert.NoError(t, err)
}

func TestToolResultFeedsHostHealth(t *testing.T) {
	b := newTestBroker(t, nil)
	host := newTestAgent(t, "agent-host")
	guest := newTestAgent(t, "agent-guest")
	sessionID := grantSession(t, b, host, guest, "ui.*")

	// Only the hosting agent may report.
	raw := guest.envelope(t, envelope.TypeToolResult, &envelope.ToolResultBody{
		SessionID: sessionID,
		Result:    "done",
	})
	_, err := b.HandleEnvelope(context.Background(), raw)
	assert.True(t, types.IsCode(err, types.ErrCapabilityDenied))

	raw = host.envelope(t, envelope.TypeToolResult, &envelope.ToolResultBody{
		SessionID: sessionID,
		CallID:    "call-1",
		Result:    "done",
	})
	reply, err := b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)
	assert.Nil(t, reply)

	raw = host.envelope(t, envelope.TypeToolResult, &envelope.ToolResultBody{
		SessionID: sessionID,
		CallID:    "call-2",
		Error:     &envelope.WireError{Code: string(types.ErrTimeout), Message: "tool timed out"},
	})
	reply, err = b.HandleEnvelope(context.Background(), raw)
	require.NoError(t, err)
	assert.Nil(t, reply)
}
