package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/somatica/soma/embodiment"
	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/registry"
	"github.com/somatica/soma/selection"
	"github.com/somatica/soma/types"
)

// handleRegister admits or refreshes an agent and puts its declared
// tools on the discovery surface. The registry decides idempotency:
// same key refreshes, different key is an identity conflict.
func (b *Broker) handleRegister(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	var body envelope.RegisterAgentBody
	if err := env.DecodeBody(&body); err != nil {
		return nil, types.NewError(types.ErrDecode, "malformed registerAgent body").WithCause(err)
	}

	record, err := b.registry.Register(ctx, env.AgentID, &body)
	if err != nil {
		return nil, err
	}
	b.index.IndexAgent(record.AgentID, record.Bodies)
	return nil, nil
}

func (b *Broker) handleHeartbeat(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	var body envelope.HeartbeatBody
	if len(env.Body) > 0 {
		if err := env.DecodeBody(&body); err != nil {
			return nil, types.NewError(types.ErrDecode, "malformed heartbeat body").WithCause(err)
		}
	}
	if err := b.registry.Heartbeat(ctx, env.AgentID, body.Load); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleUnregister removes the agent and tears down everything keyed
// to it. The registry purge event runs the same teardown on its own
// goroutine; doing it inline as well keeps the surface consistent for
// the very next request, and every step is idempotent.
func (b *Broker) handleUnregister(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	var body envelope.UnregisterAgentBody
	if len(env.Body) > 0 {
		if err := env.DecodeBody(&body); err != nil {
			return nil, types.NewError(types.ErrDecode, "malformed unregisterAgent body").WithCause(err)
		}
	}
	reason := body.Reason
	if reason == "" {
		reason = "voluntary unregister"
	}

	if err := b.registry.Unregister(ctx, env.AgentID, reason); err != nil {
		return nil, err
	}
	b.index.RemoveAgent(env.AgentID)
	revoked := b.sessions.RevokeAgent(ctx, env.AgentID, "agent unregistered: "+reason)
	for i := 0; i < revoked; i++ {
		b.metrics.RecordSessionTransition("revoked")
	}
	b.selector.Forget(env.AgentID)
	b.replay.Forget(env.AgentID)
	b.recordSessionGauges()
	return nil, nil
}

// handleRequestEmbodiment resolves the hosting agent, asks the session
// manager for a grant decision, and signs the verdict. Denials leave
// as a typed embodimentDenied envelope paired with the taxonomy error.
func (b *Broker) handleRequestEmbodiment(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	var body envelope.RequestEmbodimentBody
	if err := env.DecodeBody(&body); err != nil {
		return nil, types.NewError(types.ErrDecode, "malformed requestEmbodiment body").WithCause(err)
	}
	if body.BodyID == "" {
		return nil, types.NewError(types.ErrDecode, "requestEmbodiment must name a body")
	}

	hostID, declared, err := b.resolveHost(body.HostAgentID, body.BodyID)
	if err != nil {
		return b.denyEmbodiment(err)
	}

	session, err := b.sessions.Request(ctx, embodiment.GrantRequest{
		GuestID:   env.AgentID,
		HostID:    hostID,
		BodyID:    body.BodyID,
		Requested: body.RequestedCapabilities,
		Duration:  time.Duration(body.DurationSeconds) * time.Second,
		Declared:  declared,
	})
	if err != nil {
		return nil, err
	}
	if session.State == embodiment.StateDenied {
		b.metrics.RecordSessionTransition("denied")
		b.recordSessionGauges()
		return b.denyEmbodiment(types.NewError(types.ErrorCode(session.DenyCode), session.EndReason))
	}

	b.metrics.RecordSessionTransition("granted")
	b.recordSessionGauges()
	return b.signReply(envelope.TypeEmbodimentGranted, &envelope.EmbodimentGrantedBody{
		SessionID:           session.SessionID,
		HostAgentID:         session.HostID,
		BodyID:              session.BodyID,
		GrantedCapabilities: session.GrantedCapabilities,
		ExpiresAt:           session.ExpiresAt.UnixMilli(),
	})
}

// resolveHost picks the hosting agent for a body. A named host must be
// live and declare the body; an open request runs every live declarer
// through health selection.
func (b *Broker) resolveHost(hostID, bodyID string) (string, envelope.BodyDefinition, error) {
	if hostID != "" {
		record, err := b.registry.Lookup(hostID)
		if err != nil {
			return "", envelope.BodyDefinition{}, types.NewError(types.ErrNoneAvailable,
				fmt.Sprintf("host %s is not registered", hostID))
		}
		if record.Status != registry.AgentStatusActive {
			return "", envelope.BodyDefinition{}, types.NewError(types.ErrNoneAvailable,
				fmt.Sprintf("host %s is stale", hostID))
		}
		declared, ok := record.Bodies[bodyID]
		if !ok {
			return "", envelope.BodyDefinition{}, types.NewError(types.ErrNoneAvailable,
				fmt.Sprintf("host %s does not declare body %s", hostID, bodyID))
		}
		return hostID, declared, nil
	}

	hosts := b.registry.HostsOf(bodyID)
	if len(hosts) == 0 {
		b.metrics.RecordSelection("none")
		return "", envelope.BodyDefinition{}, types.NewError(types.ErrNoneAvailable,
			fmt.Sprintf("no live host declares body %s", bodyID))
	}

	candidates := make([]selection.Candidate, 0, len(hosts))
	byID := make(map[string]*registry.AgentRecord, len(hosts))
	for _, host := range hosts {
		byID[host.AgentID] = host
		candidates = append(candidates, selection.Candidate{
			ID:       host.AgentID,
			Capacity: host.Capacity,
			Load:     host.Load,
			LastSeen: host.LastSeen,
		})
	}
	chosen, err := b.selector.Select(candidates)
	if err != nil {
		b.metrics.RecordSelection("none")
		return "", envelope.BodyDefinition{}, err
	}
	b.metrics.RecordSelection("ok")
	return chosen.ID, byID[chosen.ID].Bodies[bodyID], nil
}

// denyEmbodiment signs a typed denial and pairs it with the taxonomy
// error so the transport can map a status.
func (b *Broker) denyEmbodiment(cause error) ([]byte, error) {
	code := types.GetErrorCode(cause)
	if code == "" {
		code = types.ErrInternalError
	}
	raw, err := b.signReply(envelope.TypeEmbodimentDenied, &envelope.EmbodimentDeniedBody{
		Code:   string(code),
		Reason: errorMessage(cause),
	})
	if err != nil {
		return nil, err
	}
	return raw, cause
}

// handleToolCall authorizes a call against its session and, when the
// session's host can still serve the tool, acknowledges dispatch. The
// call never fails over to another host: the grant binds guest, host,
// and body together.
func (b *Broker) handleToolCall(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	start := time.Now()

	var body envelope.ToolCallBody
	if err := env.DecodeBody(&body); err != nil {
		return nil, types.NewError(types.ErrDecode, "malformed toolCall body").WithCause(err)
	}
	if body.SessionID == "" || body.ToolName == "" {
		return nil, types.NewError(types.ErrDecode, "toolCall must name a session and a tool")
	}

	session, err := b.sessions.Get(body.SessionID)
	if err != nil {
		return b.rejectToolCall(body.SessionID,
			types.NewError(types.ErrSessionExpired, fmt.Sprintf("unknown session %s", body.SessionID)))
	}
	if env.AgentID != session.GuestID {
		return b.rejectToolCall(body.SessionID,
			types.NewError(types.ErrCapabilityDenied, "caller is not the session guest"))
	}

	session, err = b.sessions.Authorize(ctx, body.SessionID, body.ToolName)
	if err != nil {
		return b.rejectToolCall(body.SessionID, err)
	}

	hostID, err := b.callTarget(session, body.ToolName)
	if err != nil {
		return b.rejectToolCall(body.SessionID, err)
	}

	callID := uuid.NewString()
	b.selector.ReportSuccess(hostID, time.Since(start))
	b.logger.Info("tool call dispatched",
		zap.String("session_id", session.SessionID),
		zap.String("call_id", callID),
		zap.String("tool", body.ToolName),
		zap.String("host_id", hostID),
	)
	return b.signReply(envelope.TypeToolResult, &envelope.ToolResultBody{
		SessionID: session.SessionID,
		CallID:    callID,
		Result: map[string]any{
			"status": "dispatched",
			"hostId": hostID,
			"tool":   body.ToolName,
		},
	})
}

// callTarget checks that the session's host can serve the tool right
// now: the host must be live, its current declaration must still carry
// the tool, and the host must pass the health gate.
func (b *Broker) callTarget(session *embodiment.Session, toolName string) (string, error) {
	record, err := b.registry.Lookup(session.HostID)
	if err != nil || record.Status != registry.AgentStatusActive {
		b.selector.ReportFailure(session.HostID)
		return "", types.NewError(types.ErrNoneAvailable,
			fmt.Sprintf("host %s is not available", session.HostID))
	}

	declared, ok := record.Bodies[session.BodyID]
	if !ok {
		return "", types.NewError(types.ErrNoneAvailable,
			fmt.Sprintf("body %s is no longer declared by host %s", session.BodyID, session.HostID))
	}

	found := false
	for i := range declared.Tools {
		if declared.Tools[i].Name == toolName {
			found = true
			break
		}
	}
	if !found {
		return "", types.NewError(types.ErrNoneAvailable,
			fmt.Sprintf("tool %s is no longer declared by body %s", toolName, session.BodyID))
	}

	if _, err := b.selector.Select([]selection.Candidate{{
		ID:       record.AgentID,
		Capacity: record.Capacity,
		Load:     record.Load,
		LastSeen: record.LastSeen,
	}}); err != nil {
		return "", err
	}
	return record.AgentID, nil
}

// rejectToolCall signs a toolResult carrying the taxonomy error and
// pairs it with that error.
func (b *Broker) rejectToolCall(sessionID string, cause error) ([]byte, error) {
	code := types.GetErrorCode(cause)
	if code == "" {
		code = types.ErrInternalError
	}
	raw, err := b.signReply(envelope.TypeToolResult, &envelope.ToolResultBody{
		SessionID: sessionID,
		Error: &envelope.WireError{
			Code:    string(code),
			Message: errorMessage(cause),
		},
	})
	if err != nil {
		return nil, err
	}
	return raw, cause
}

// handleToolResult records a host-reported call outcome. Results feed
// host health; the broker does not proxy them back to the guest, which
// collects results on the tool transport it was granted.
func (b *Broker) handleToolResult(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	var body envelope.ToolResultBody
	if err := env.DecodeBody(&body); err != nil {
		return nil, types.NewError(types.ErrDecode, "malformed toolResult body").WithCause(err)
	}
	if body.SessionID == "" {
		return nil, types.NewError(types.ErrDecode, "toolResult must name a session")
	}

	session, err := b.sessions.Get(body.SessionID)
	if err != nil {
		return nil, err
	}
	if env.AgentID != session.HostID {
		return nil, types.NewError(types.ErrCapabilityDenied, "only the hosting agent may report a result")
	}

	if body.Error != nil {
		b.selector.ReportFailure(session.HostID)
	} else {
		b.selector.ReportSuccess(session.HostID, 0)
	}
	b.logger.Info("tool result recorded",
		zap.String("session_id", body.SessionID),
		zap.String("call_id", body.CallID),
		zap.Bool("failed", body.Error != nil),
	)
	return nil, nil
}

// handleRevokeEmbodiment ends a session at the host's request. Guests
// cannot revoke; they simply stop calling.
func (b *Broker) handleRevokeEmbodiment(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	var body envelope.RevokeEmbodimentBody
	if err := env.DecodeBody(&body); err != nil {
		return nil, types.NewError(types.ErrDecode, "malformed revokeEmbodiment body").WithCause(err)
	}
	if body.SessionID == "" {
		return nil, types.NewError(types.ErrDecode, "revokeEmbodiment must name a session")
	}

	session, err := b.sessions.Get(body.SessionID)
	if err != nil {
		return nil, err
	}
	if env.AgentID != session.HostID {
		return nil, types.NewError(types.ErrCapabilityDenied, "only the hosting agent may revoke a session")
	}

	reason := body.Reason
	if reason == "" {
		reason = "revoked by host"
	}
	if err := b.sessions.Revoke(ctx, body.SessionID, env.AgentID, reason); err != nil {
		return nil, err
	}
	b.metrics.RecordSessionTransition("revoked")
	b.recordSessionGauges()
	return nil, nil
}

// handleEmbodimentUpdate atomically replaces one declared body and
// refreshes the discovery surface. Sessions against the body keep
// their granted set; calls against removed tools fail at dispatch.
func (b *Broker) handleEmbodimentUpdate(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	var body envelope.EmbodimentUpdateBody
	if err := env.DecodeBody(&body); err != nil {
		return nil, types.NewError(types.ErrDecode, "malformed embodimentUpdate body").WithCause(err)
	}

	if err := b.registry.ApplyBodyUpdate(ctx, env.AgentID, body.Body); err != nil {
		return nil, err
	}
	record, err := b.registry.Lookup(env.AgentID)
	if err != nil {
		return nil, err
	}
	b.index.IndexAgent(record.AgentID, record.Bodies)
	return nil, nil
}
