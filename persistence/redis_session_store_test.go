package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/somatica/soma/embodiment"
)

func newTestRedisStore(t *testing.T) *RedisSessionStore {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := NewRedisSessionStore(RedisConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "somatest:",
	})
	if err != nil {
		t.Fatalf("NewRedisSessionStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testSession builds a snapshot fixture. Times are truncated to whole
// seconds so both backends round-trip them exactly.
func testSession(id string, state embodiment.SessionState) *embodiment.Session {
	now := time.Now().UTC().Truncate(time.Second)
	session := &embodiment.Session{
		SessionID:             id,
		GuestID:               "guest-1",
		HostID:                "host-1",
		BodyID:                "rover",
		RequestedCapabilities: []string{"motor.*", "camera.read"},
		GrantedCapabilities:   []string{"camera.read"},
		State:                 state,
		CreatedAt:             now,
	}
	switch {
	case state == embodiment.StateRequested:
	case state.Live():
		session.GrantedAt = now
		session.ExpiresAt = now.Add(time.Hour)
	default:
		session.GrantedAt = now
		session.EndedAt = now
		session.EndReason = "test"
	}
	return session
}

func TestRedisSessionStore(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetSession", func(t *testing.T) {
		session := testSession("sess-roundtrip", embodiment.StateGranted)

		if err := store.SaveSession(ctx, session); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		retrieved, err := store.GetSession(ctx, "sess-roundtrip")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if retrieved.GuestID != session.GuestID || retrieved.HostID != session.HostID {
			t.Errorf("identity mismatch: got %s/%s", retrieved.GuestID, retrieved.HostID)
		}
		if len(retrieved.GrantedCapabilities) != 1 || retrieved.GrantedCapabilities[0] != "camera.read" {
			t.Errorf("granted capabilities mismatch: %v", retrieved.GrantedCapabilities)
		}
		if !retrieved.ExpiresAt.Equal(session.ExpiresAt) {
			t.Errorf("ExpiresAt mismatch: got %v, want %v", retrieved.ExpiresAt, session.ExpiresAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.GetSession(ctx, "no-such-session"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveRejectsEmptyID", func(t *testing.T) {
		if err := store.SaveSession(ctx, &embodiment.Session{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("StateTransitionMovesIndex", func(t *testing.T) {
		session := testSession("sess-transition", embodiment.StateGranted)
		if err := store.SaveSession(ctx, session); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		session.State = embodiment.StateRevoked
		session.EndedAt = time.Now().UTC().Truncate(time.Second)
		session.EndReason = "host_revoked"
		if err := store.SaveSession(ctx, session); err != nil {
			t.Fatalf("re-save failed: %v", err)
		}

		granted, err := store.ListSessions(ctx, SessionFilter{
			States: []embodiment.SessionState{embodiment.StateGranted},
		})
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		for _, s := range granted {
			if s.SessionID == "sess-transition" {
				t.Error("revoked session still listed under granted")
			}
		}

		revoked, err := store.ListSessions(ctx, SessionFilter{
			States: []embodiment.SessionState{embodiment.StateRevoked},
		})
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		found := false
		for _, s := range revoked {
			if s.SessionID == "sess-transition" {
				found = true
			}
		}
		if !found {
			t.Error("revoked session missing from revoked index")
		}
	})

	t.Run("LiveSessions", func(t *testing.T) {
		for _, fixture := range []struct {
			id    string
			state embodiment.SessionState
		}{
			{"live-granted", embodiment.StateGranted},
			{"live-active", embodiment.StateActive},
			{"live-denied", embodiment.StateDenied},
		} {
			if err := store.SaveSession(ctx, testSession(fixture.id, fixture.state)); err != nil {
				t.Fatalf("SaveSession %s failed: %v", fixture.id, err)
			}
		}

		live, err := store.LiveSessions(ctx)
		if err != nil {
			t.Fatalf("LiveSessions failed: %v", err)
		}
		ids := make(map[string]bool, len(live))
		for _, s := range live {
			ids[s.SessionID] = true
		}
		if !ids["live-granted"] || !ids["live-active"] {
			t.Errorf("live sessions missing: %v", ids)
		}
		if ids["live-denied"] {
			t.Error("denied session listed as live")
		}
	})

	t.Run("ListFilterAndLimit", func(t *testing.T) {
		other := testSession("sess-other-guest", embodiment.StateGranted)
		other.GuestID = "guest-2"
		if err := store.SaveSession(ctx, other); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		byGuest, err := store.ListSessions(ctx, SessionFilter{GuestID: "guest-2"})
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		if len(byGuest) != 1 || byGuest[0].SessionID != "sess-other-guest" {
			t.Errorf("guest filter returned %d sessions", len(byGuest))
		}

		limited, err := store.ListSessions(ctx, SessionFilter{Limit: 2})
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("expected 2 sessions with limit, got %d", len(limited))
		}
	})

	t.Run("DeleteSession", func(t *testing.T) {
		if err := store.SaveSession(ctx, testSession("sess-delete", embodiment.StateGranted)); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
		if err := store.DeleteSession(ctx, "sess-delete"); err != nil {
			t.Fatalf("DeleteSession failed: %v", err)
		}
		if _, err := store.GetSession(ctx, "sess-delete"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := store.DeleteSession(ctx, "sess-delete"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on double delete, got %v", err)
		}
	})

	t.Run("CleanupRetention", func(t *testing.T) {
		old := testSession("sess-old-terminal", embodiment.StateRevoked)
		old.EndedAt = time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
		if err := store.SaveSession(ctx, old); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		// A live row whose expiry is long past was orphaned by a
		// broker that never settled it.
		orphan := testSession("sess-orphan", embodiment.StateGranted)
		orphan.ExpiresAt = time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
		if err := store.SaveSession(ctx, orphan); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		fresh := testSession("sess-fresh-terminal", embodiment.StateRevoked)
		if err := store.SaveSession(ctx, fresh); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		removed, err := store.Cleanup(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("Cleanup failed: %v", err)
		}
		if removed != 2 {
			t.Errorf("expected 2 removals, got %d", removed)
		}

		if _, err := store.GetSession(ctx, "sess-old-terminal"); !errors.Is(err, ErrNotFound) {
			t.Error("old terminal session survived cleanup")
		}
		if _, err := store.GetSession(ctx, "sess-orphan"); !errors.Is(err, ErrNotFound) {
			t.Error("orphaned live session survived cleanup")
		}
		if _, err := store.GetSession(ctx, "sess-fresh-terminal"); err != nil {
			t.Errorf("fresh terminal session removed: %v", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.TotalSessions == 0 {
			t.Error("expected sessions in stats")
		}
		if stats.StateCounts[embodiment.StateGranted] == 0 {
			t.Error("expected granted sessions in state counts")
		}
	})
}
