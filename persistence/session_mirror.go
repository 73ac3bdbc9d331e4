package persistence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/somatica/soma/embodiment"
)

// SessionSource supplies the sessions worth snapshotting. The session
// manager satisfies it.
type SessionSource interface {
	List() []*embodiment.Session
}

// MirrorConfig configures the snapshot cadence.
type MirrorConfig struct {
	// SnapshotInterval is how often the live table is written through.
	SnapshotInterval time.Duration `json:"snapshot_interval" yaml:"snapshot_interval"`

	// CleanupInterval is how often aged-out records are pruned.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	// Retention is how long terminal sessions stay in the store.
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultMirrorConfig returns a MirrorConfig with sensible defaults.
func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		SnapshotInterval: 5 * time.Second,
		CleanupInterval:  10 * time.Minute,
		Retention:        24 * time.Hour,
	}
}

// SessionMirror trails the live session table into a SessionStore on
// its own goroutine. Snapshots lag the table by at most one interval;
// a crash between snapshots rehydrates slightly stale state, which is
// safe because expiry is absolute and the sweep settles overdue
// sessions right after restore.
type SessionMirror struct {
	store  SessionStore
	source SessionSource
	config MirrorConfig
	logger *zap.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSessionMirror creates a mirror between a session source and a
// store.
func NewSessionMirror(store SessionStore, source SessionSource, config MirrorConfig, logger *zap.Logger) *SessionMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = 5 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	return &SessionMirror{
		store:  store,
		source: source,
		config: config,
		logger: logger.With(zap.String("component", "session_mirror")),
		done:   make(chan struct{}),
	}
}

// Restore reads the live sessions persisted by an earlier run.
func (m *SessionMirror) Restore(ctx context.Context) ([]*embodiment.Session, error) {
	return m.store.LiveSessions(ctx)
}

// Start launches the snapshot loop.
func (m *SessionMirror) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info("session mirror started",
		zap.Duration("snapshot_interval", m.config.SnapshotInterval),
		zap.Duration("retention", m.config.Retention),
	)
}

// Close takes a final snapshot and stops the loop, so a clean shutdown
// persists the latest state.
func (m *SessionMirror) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.snapshot(ctx)
		m.logger.Info("session mirror stopped")
	})
	return nil
}

func (m *SessionMirror) run() {
	defer m.wg.Done()

	snapshots := time.NewTicker(m.config.SnapshotInterval)
	defer snapshots.Stop()
	cleanups := time.NewTicker(m.config.CleanupInterval)
	defer cleanups.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-snapshots.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.config.SnapshotInterval)
			m.snapshot(ctx)
			cancel()
		case <-cleanups.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := m.store.Cleanup(ctx, m.config.Retention)
			cancel()
			if err != nil {
				m.logger.Warn("session store cleanup failed", zap.Error(err))
			} else if removed > 0 {
				m.logger.Debug("session store cleaned", zap.Int("removed", removed))
			}
		}
	}
}

// snapshot writes every retained session through. Individual write
// failures degrade durability, never the broker.
func (m *SessionMirror) snapshot(ctx context.Context) {
	sessions := m.source.List()
	failed := 0
	for _, session := range sessions {
		if err := m.store.SaveSession(ctx, session); err != nil {
			failed++
			m.logger.Warn("session snapshot write failed",
				zap.String("session_id", session.SessionID),
				zap.Error(err),
			)
		}
	}
	if len(sessions) > 0 {
		m.logger.Debug("session table snapshotted",
			zap.Int("sessions", len(sessions)),
			zap.Int("failed", failed),
		)
	}
}
