package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyAgentID   contextKey = "agent_id"
	keySessionID contextKey = "session_id"
	keyBrokerID  contextKey = "broker_id"
	keySubject   contextKey = "subject"
)

// WithRequestID adds the request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithAgentID adds the authenticated sender's agent ID to context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyAgentID, agentID)
}

// AgentID extracts the authenticated sender's agent ID from context.
func AgentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAgentID).(string)
	return v, ok && v != ""
}

// WithSessionID adds the embodiment session ID to context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, keySessionID, sessionID)
}

// SessionID extracts the embodiment session ID from context.
func SessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySessionID).(string)
	return v, ok && v != ""
}

// WithBrokerID adds the origin broker ID to context.
func WithBrokerID(ctx context.Context, brokerID string) context.Context {
	return context.WithValue(ctx, keyBrokerID, brokerID)
}

// BrokerID extracts the origin broker ID from context.
func BrokerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyBrokerID).(string)
	return v, ok && v != ""
}

// WithSubject adds the authenticated admin subject to context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, keySubject, subject)
}

// Subject extracts the authenticated admin subject from context.
func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySubject).(string)
	return v, ok && v != ""
}
