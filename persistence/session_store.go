package persistence

import (
	"context"
	"time"

	"github.com/somatica/soma/embodiment"
)

// SessionStore persists embodiment sessions so the live table can be
// rehydrated after a restart. Saving is last-writer-wins keyed by
// session ID; the session manager is the only writer.
type SessionStore interface {
	Store

	// SaveSession creates or replaces the record for a session.
	SaveSession(ctx context.Context, session *embodiment.Session) error

	// GetSession retrieves one session, ErrNotFound when absent.
	GetSession(ctx context.Context, sessionID string) (*embodiment.Session, error)

	// ListSessions retrieves sessions matching the filter, oldest
	// first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*embodiment.Session, error)

	// LiveSessions retrieves every granted or active session. This is
	// the startup rehydration read: a row that cannot be decoded is an
	// error, not a skip.
	LiveSessions(ctx context.Context) ([]*embodiment.Session, error)

	// DeleteSession removes a session, ErrNotFound when absent.
	DeleteSession(ctx context.Context, sessionID string) error

	// Cleanup removes sessions that have been terminal longer than the
	// given duration, plus live rows whose expiry lies that far in the
	// past with no broker left to expire them. It returns the number
	// removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats counts stored sessions by state.
	Stats(ctx context.Context) (*SessionStoreStats, error)
}

// SessionFilter narrows a ListSessions read. Zero fields match
// everything.
type SessionFilter struct {
	GuestID string
	HostID  string
	States  []embodiment.SessionState
	Limit   int
}

func (f SessionFilter) matches(session *embodiment.Session) bool {
	if f.GuestID != "" && session.GuestID != f.GuestID {
		return false
	}
	if f.HostID != "" && session.HostID != f.HostID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, state := range f.States {
			if session.State == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SessionStoreStats summarizes a session store.
type SessionStoreStats struct {
	TotalSessions int64                             `json:"total_sessions"`
	StateCounts   map[embodiment.SessionState]int64 `json:"state_counts"`
}

// sessionStates enumerates every lifecycle state for index scans.
var sessionStates = []embodiment.SessionState{
	embodiment.StateRequested,
	embodiment.StateGranted,
	embodiment.StateActive,
	embodiment.StateDenied,
	embodiment.StateExpired,
	embodiment.StateRevoked,
}

// stateScore is the index score for a session in its current state:
// the instant it entered the state. Retention cuts on this score, so
// terminal sessions age from when they ended, not from when they were
// created.
func stateScore(session *embodiment.Session) time.Time {
	if session.State.IsTerminal() && !session.EndedAt.IsZero() {
		return session.EndedAt
	}
	return session.CreatedAt
}
