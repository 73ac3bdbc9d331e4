package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/somatica/soma/embodiment"
)

func newTestGormAuditStore(t *testing.T) *GormAuditStore {
	t.Helper()

	store, err := NewGormAuditStore(newTestGormDB(t))
	if err != nil {
		t.Fatalf("NewGormAuditStore failed: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}
	return store
}

func TestGormAuditStore(t *testing.T) {
	store := newTestGormAuditStore(t)
	ctx := context.Background()

	t.Run("AppendAndTrail", func(t *testing.T) {
		base := time.Now().UTC().Truncate(time.Second)
		records := []embodiment.AuditRecord{
			{Sequence: 1, SessionID: "sess-a", Event: embodiment.AuditRequested, Actor: "guest-1", Timestamp: base},
			{Sequence: 2, SessionID: "sess-a", Event: embodiment.AuditGranted, Actor: "host-1", Detail: "narrowed to camera.read", Timestamp: base.Add(time.Second)},
			{Sequence: 3, SessionID: "sess-a", Event: embodiment.AuditCallAuthorized, ToolName: "camera.read", Timestamp: base.Add(2 * time.Second)},
		}

		// Append out of order; the trail read sorts by sequence.
		for _, i := range []int{2, 0, 1} {
			if err := store.Append(ctx, records[i]); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}

		trail, err := store.TrailFor(ctx, "sess-a")
		if err != nil {
			t.Fatalf("TrailFor failed: %v", err)
		}
		if len(trail) != 3 {
			t.Fatalf("expected 3 records, got %d", len(trail))
		}
		for i, record := range trail {
			if record.Sequence != uint64(i+1) {
				t.Errorf("record %d out of order: sequence %d", i, record.Sequence)
			}
		}
		if trail[1].Detail != "narrowed to camera.read" {
			t.Errorf("detail mismatch: %q", trail[1].Detail)
		}
		if trail[2].ToolName != "camera.read" {
			t.Errorf("tool name mismatch: %q", trail[2].ToolName)
		}
	})

	t.Run("EmptyTrailIsNotAnError", func(t *testing.T) {
		trail, err := store.TrailFor(ctx, "sess-unknown")
		if err != nil {
			t.Fatalf("TrailFor failed: %v", err)
		}
		if len(trail) != 0 {
			t.Errorf("expected empty trail, got %d records", len(trail))
		}
	})

	t.Run("AppendRejectsIncompleteRecord", func(t *testing.T) {
		err := store.Append(ctx, embodiment.AuditRecord{SessionID: "sess-a"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing event, got %v", err)
		}
		err = store.Append(ctx, embodiment.AuditRecord{Event: embodiment.AuditRequested})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing session, got %v", err)
		}
	})

	t.Run("CleanupRetention", func(t *testing.T) {
		old := embodiment.AuditRecord{
			Sequence:  1,
			SessionID: "sess-b",
			Event:     embodiment.AuditExpired,
			Timestamp: time.Now().UTC().Add(-72 * time.Hour),
		}
		if err := store.Append(ctx, old); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		removed, err := store.Cleanup(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("Cleanup failed: %v", err)
		}
		if removed != 1 {
			t.Errorf("expected 1 removal, got %d", removed)
		}

		trail, err := store.TrailFor(ctx, "sess-a")
		if err != nil {
			t.Fatalf("TrailFor failed: %v", err)
		}
		if len(trail) != 3 {
			t.Errorf("recent trail damaged by cleanup: %d records", len(trail))
		}
	})
}
