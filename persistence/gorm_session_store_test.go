package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/somatica/soma/embodiment"
)

func newTestGormDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	return db
}

func newTestGormSessionStore(t *testing.T) *GormSessionStore {
	t.Helper()

	store, err := NewGormSessionStore(newTestGormDB(t))
	if err != nil {
		t.Fatalf("NewGormSessionStore failed: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}
	return store
}

func TestGormSessionStore(t *testing.T) {
	store := newTestGormSessionStore(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetSession", func(t *testing.T) {
		session := testSession("sess-sql-roundtrip", embodiment.StateActive)
		session.ActivatedAt = session.GrantedAt

		if err := store.SaveSession(ctx, session); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		retrieved, err := store.GetSession(ctx, "sess-sql-roundtrip")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if retrieved.State != embodiment.StateActive {
			t.Errorf("state mismatch: got %s", retrieved.State)
		}
		if len(retrieved.RequestedCapabilities) != 2 {
			t.Errorf("requested capabilities mismatch: %v", retrieved.RequestedCapabilities)
		}
		if !retrieved.CreatedAt.Equal(session.CreatedAt) {
			t.Errorf("CreatedAt mismatch: got %v, want %v", retrieved.CreatedAt, session.CreatedAt)
		}
		if !retrieved.ActivatedAt.Equal(session.ActivatedAt) {
			t.Errorf("ActivatedAt mismatch: got %v, want %v", retrieved.ActivatedAt, session.ActivatedAt)
		}
	})

	t.Run("UpsertReplacesState", func(t *testing.T) {
		session := testSession("sess-sql-upsert", embodiment.StateGranted)
		if err := store.SaveSession(ctx, session); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		session.State = embodiment.StateExpired
		session.EndedAt = time.Now().UTC().Truncate(time.Second)
		session.EndReason = "grant elapsed"
		if err := store.SaveSession(ctx, session); err != nil {
			t.Fatalf("re-save failed: %v", err)
		}

		retrieved, err := store.GetSession(ctx, "sess-sql-upsert")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if retrieved.State != embodiment.StateExpired {
			t.Errorf("expected expired state, got %s", retrieved.State)
		}
		if retrieved.EndedAt.IsZero() {
			t.Error("EndedAt lost in upsert")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.GetSession(ctx, "no-such-row"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListAndLiveSessions", func(t *testing.T) {
		hosted := testSession("sess-sql-hosted", embodiment.StateGranted)
		hosted.HostID = "host-9"
		if err := store.SaveSession(ctx, hosted); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
		if err := store.SaveSession(ctx, testSession("sess-sql-denied", embodiment.StateDenied)); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		byHost, err := store.ListSessions(ctx, SessionFilter{HostID: "host-9"})
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		if len(byHost) != 1 || byHost[0].SessionID != "sess-sql-hosted" {
			t.Errorf("host filter returned %d sessions", len(byHost))
		}

		live, err := store.LiveSessions(ctx)
		if err != nil {
			t.Fatalf("LiveSessions failed: %v", err)
		}
		for _, s := range live {
			if s.State.IsTerminal() {
				t.Errorf("terminal session %s listed as live", s.SessionID)
			}
		}
	})

	t.Run("DeleteSession", func(t *testing.T) {
		if err := store.SaveSession(ctx, testSession("sess-sql-delete", embodiment.StateGranted)); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
		if err := store.DeleteSession(ctx, "sess-sql-delete"); err != nil {
			t.Fatalf("DeleteSession failed: %v", err)
		}
		if err := store.DeleteSession(ctx, "sess-sql-delete"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on double delete, got %v", err)
		}
	})

	t.Run("CleanupRetention", func(t *testing.T) {
		old := testSession("sess-sql-old", embodiment.StateRevoked)
		old.EndedAt = time.Now().UTC().Add(-72 * time.Hour).Truncate(time.Second)
		if err := store.SaveSession(ctx, old); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		orphan := testSession("sess-sql-orphan", embodiment.StateActive)
		orphan.ExpiresAt = time.Now().UTC().Add(-72 * time.Hour).Truncate(time.Second)
		if err := store.SaveSession(ctx, orphan); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		removed, err := store.Cleanup(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("Cleanup failed: %v", err)
		}
		if removed != 2 {
			t.Errorf("expected 2 removals, got %d", removed)
		}
		if _, err := store.GetSession(ctx, "sess-sql-old"); !errors.Is(err, ErrNotFound) {
			t.Error("old terminal session survived cleanup")
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
	})
}
