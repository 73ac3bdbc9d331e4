package embodiment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/types"
)

func kioskDeclaration() envelope.BodyDefinition {
	return envelope.BodyDefinition{
		BodyID: "kiosk",
		Tools: []envelope.ToolMetadata{
			{Name: "ui.display_text", Pattern: "ui.display_text"},
		},
	}
}

func kioskRequest(requested ...string) GrantRequest {
	return GrantRequest{
		GuestID:   "guest-1",
		HostID:    "host-1",
		BodyID:    "kiosk",
		Requested: requested,
		Declared:  kioskDeclaration(),
	}
}

func TestRequestNarrowsWildcardToDeclaredTools(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	session, err := m.Request(ctx, kioskRequest("ui.*"))
	require.NoError(t, err)

	assert.Equal(t, StateGranted, session.State)
	assert.Equal(t, []string{"ui.display_text"}, session.GrantedCapabilities,
		"the grant is the narrowed set, not the requested wildcard")
	assert.False(t, session.ExpiresAt.IsZero())

	trail, err := m.AuditTrail(session.SessionID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, AuditRequested, trail[0].Event)
	assert.Equal(t, AuditGranted, trail[1].Event)
}

func TestRequestDeniesUndeclaredCapability(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	session, err := m.Request(ctx, kioskRequest("game.load_state"))
	require.NoError(t, err)

	assert.Equal(t, StateDenied, session.State)
	assert.Equal(t, string(types.ErrCapabilityDenied), session.DenyCode)
	assert.Empty(t, session.GrantedCapabilities)

	trail, err := m.AuditTrail(session.SessionID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, AuditDenied, trail[1].Event)

	_, err = m.Authorize(ctx, session.SessionID, "game.load_state")
	assert.True(t, types.IsCode(err, types.ErrCapabilityDenied))
}

func TestRequestDeniesEmptyCapabilityRequest(t *testing.T) {
	m := New(nil, nil, nil)

	session, err := m.Request(context.Background(), kioskRequest())
	require.NoError(t, err)
	assert.Equal(t, StateDenied, session.State, "an empty request narrows to nothing and is denied")
}

func TestRequestValidation(t *testing.T) {
	m := New(nil, nil, nil)

	_, err := m.Request(context.Background(), GrantRequest{GuestID: "guest-1"})
	assert.True(t, types.IsCode(err, types.ErrDecode))
}

func TestAuthorizeLifecycle(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	session, err := m.Request(ctx, kioskRequest("ui.*"))
	require.NoError(t, err)
	require.Equal(t, StateGranted, session.State)

	authorized, err := m.Authorize(ctx, session.SessionID, "ui.display_text")
	require.NoError(t, err)
	assert.Equal(t, StateActive, authorized.State, "first authorized call activates the session")
	assert.Equal(t, "host-1", authorized.HostID)

	_, err = m.Authorize(ctx, session.SessionID, "ui.display_text")
	assert.NoError(t, err)

	_, err = m.Authorize(ctx, session.SessionID, "game.load_state")
	assert.True(t, types.IsCode(err, types.ErrCapabilityDenied))

	trail, err := m.AuditTrail(session.SessionID)
	require.NoError(t, err)
	events := make([]string, len(trail))
	for i, record := range trail {
		events[i] = record.Event
	}
	assert.Equal(t, []string{
		AuditRequested, AuditGranted,
		AuditCallAuthorized, AuditCallAuthorized, AuditCallDenied,
	}, events)
}

func TestAuthorizeUnknownSession(t *testing.T) {
	m := New(nil, nil, nil)

	_, err := m.Authorize(context.Background(), "no-such-session", "ui.display_text")
	assert.True(t, types.IsCode(err, types.ErrSessionExpired))
}

func TestSessionExpiry(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	req := kioskRequest("ui.*")
	req.Duration = 50 * time.Millisecond
	session, err := m.Request(ctx, req)
	require.NoError(t, err)

	_, err = m.Authorize(ctx, session.SessionID, "ui.display_text")
	require.NoError(t, err, "authorization succeeds before expiry")

	time.Sleep(70 * time.Millisecond)

	_, err = m.Authorize(ctx, session.SessionID, "ui.display_text")
	assert.True(t, types.IsCode(err, types.ErrSessionExpired),
		"authorization fails after expiry without waiting for the sweep, got %v", err)

	got, err := m.Get(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
}

func TestRevoke(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	session, err := m.Request(ctx, kioskRequest("ui.*"))
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, session.SessionID, "host-1", "operator request"))

	_, err = m.Authorize(ctx, session.SessionID, "ui.display_text")
	assert.True(t, types.IsCode(err, types.ErrSessionRevoked))

	assert.NoError(t, m.Revoke(ctx, session.SessionID, "host-1", "again"),
		"revoking a revoked session is a no-op")

	got, err := m.Get(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateRevoked, got.State)
	assert.Equal(t, "operator request", got.EndReason)

	err = m.Revoke(ctx, "no-such-session", "host-1", "x")
	assert.True(t, types.IsCode(err, types.ErrSessionExpired))
}

func TestRevokeAgentCascade(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	onHost1, err := m.Request(ctx, kioskRequest("ui.*"))
	require.NoError(t, err)

	asGuest := kioskRequest("ui.*")
	asGuest.GuestID = "host-1"
	asGuest.HostID = "host-2"
	onHost2, err := m.Request(ctx, asGuest)
	require.NoError(t, err)

	other := kioskRequest("ui.*")
	other.GuestID = "guest-9"
	other.HostID = "host-9"
	untouched, err := m.Request(ctx, other)
	require.NoError(t, err)

	// host-1 participates in the first session as host and in the
	// second as guest; both fall to the cascade.
	assert.Equal(t, 2, m.RevokeAgent(ctx, "host-1", "agent purged"))

	for _, sessionID := range []string{onHost1.SessionID, onHost2.SessionID} {
		got, err := m.Get(sessionID)
		require.NoError(t, err)
		assert.Equal(t, StateRevoked, got.State)
	}
	got, err := m.Get(untouched.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, got.State)

	assert.Zero(t, m.RevokeAgent(ctx, "host-1", "again"))
}

func TestPolicyGuestAllowlist(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	req := kioskRequest("ui.*")
	req.Declared.Policy.AllowedGuests = []string{"trusted-*"}
	session, err := m.Request(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateDenied, session.State)

	req.GuestID = "trusted-7"
	session, err = m.Request(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, session.State)
}

func TestPolicyCapsDuration(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	req := kioskRequest("ui.*")
	req.Duration = 10 * time.Minute
	req.Declared.Policy.MaxSessionSeconds = 1
	session, err := m.Request(ctx, req)
	require.NoError(t, err)
	assert.WithinDuration(t, session.GrantedAt.Add(time.Second), session.ExpiresAt, 50*time.Millisecond)

	// The broker-wide maximum binds even without a body policy.
	req = kioskRequest("ui.*")
	req.Duration = 10 * time.Hour
	session, err = m.Request(ctx, req)
	require.NoError(t, err)
	assert.WithinDuration(t, session.GrantedAt.Add(time.Hour), session.ExpiresAt, 50*time.Millisecond)
}

func TestSweepExpiresAndPrunes(t *testing.T) {
	m := New(&Config{
		DefaultSessionTTL: 10 * time.Millisecond,
		MaxSessionTTL:     time.Hour,
		SweepInterval:     time.Hour,
		RetainTerminal:    time.Minute,
	}, nil, nil)
	ctx := context.Background()

	session, err := m.Request(ctx, kioskRequest("ui.*"))
	require.NoError(t, err)

	m.sweep(time.Now().Add(20 * time.Millisecond))
	got, err := m.Get(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)

	m.sweep(time.Now().Add(5 * time.Minute))
	_, err = m.Get(session.SessionID)
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound),
		"terminal sessions are pruned after the retention period")
}

func TestListAndStats(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	granted, err := m.Request(ctx, kioskRequest("ui.*"))
	require.NoError(t, err)
	denied, err := m.Request(ctx, kioskRequest("game.*"))
	require.NoError(t, err)

	sessions := m.List()
	require.Len(t, sessions, 2)
	assert.Equal(t, granted.SessionID, sessions[0].SessionID)
	assert.Equal(t, denied.SessionID, sessions[1].SessionID)

	stats := m.Stats()
	assert.Equal(t, 1, stats[StateGranted])
	assert.Equal(t, 1, stats[StateDenied])
}

func TestRestoreReschedulesLiveSessions(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	m.Restore([]*Session{{
		SessionID:           "restored-1",
		GuestID:             "guest-1",
		HostID:              "host-1",
		BodyID:              "kiosk",
		GrantedCapabilities: []string{"ui.display_text"},
		State:               StateGranted,
		CreatedAt:           time.Now().Add(-time.Minute),
		GrantedAt:           time.Now().Add(-time.Minute),
		ExpiresAt:           time.Now().Add(time.Minute),
	}})

	authorized, err := m.Authorize(ctx, "restored-1", "ui.display_text")
	require.NoError(t, err)
	assert.Equal(t, StateActive, authorized.State)
}

type memorySink struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (s *memorySink) Append(ctx context.Context, record AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *memorySink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, record := range s.records {
		out[i] = record.Event
	}
	return out
}

func TestAuditWriteThrough(t *testing.T) {
	sink := &memorySink{}
	m := New(nil, sink, nil)
	ctx := context.Background()

	session, err := m.Request(ctx, kioskRequest("ui.*"))
	require.NoError(t, err)
	_, err = m.Authorize(ctx, session.SessionID, "ui.display_text")
	require.NoError(t, err)

	require.NoError(t, m.Close())

	assert.Equal(t, []string{AuditRequested, AuditGranted, AuditCallAuthorized}, sink.events(),
		"the durable trail mirrors the in-memory trail in order")
}
