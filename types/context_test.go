package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithRequestID(ctx, "r1")
	if got, ok := RequestID(ctx); !ok || got != "r1" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}

	ctx = WithAgentID(ctx, "agent-7")
	if got, ok := AgentID(ctx); !ok || got != "agent-7" {
		t.Fatalf("AgentID mismatch: %v %v", got, ok)
	}

	ctx = WithSessionID(ctx, "sess-1")
	if got, ok := SessionID(ctx); !ok || got != "sess-1" {
		t.Fatalf("SessionID mismatch: %v %v", got, ok)
	}

	ctx = WithBrokerID(ctx, "broker-2")
	if got, ok := BrokerID(ctx); !ok || got != "broker-2" {
		t.Fatalf("BrokerID mismatch: %v %v", got, ok)
	}

	ctx = WithSubject(ctx, "ops@somatica")
	if got, ok := Subject(ctx); !ok || got != "ops@somatica" {
		t.Fatalf("Subject mismatch: %v %v", got, ok)
	}
}

func TestContextHelpers_EmptyValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, ok := RequestID(ctx); ok {
		t.Fatalf("empty context should not report a request ID")
	}
	if _, ok := AgentID(WithAgentID(ctx, "")); ok {
		t.Fatalf("empty agent ID should not be reported as present")
	}
}
