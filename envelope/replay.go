package envelope

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReplayGuardConfig holds configuration for replay protection.
type ReplayGuardConfig struct {
	// Window is the acceptance window around the verifier clock.
	// Envelopes with timestamps outside [now-Window, now+Window] are
	// rejected regardless of nonce.
	Window time.Duration `json:"window"`

	// SweepInterval is how often idle sender state is pruned.
	SweepInterval time.Duration `json:"sweep_interval"`

	// Retention is how long a sender's high-water mark outlives its
	// last accepted envelope. It must exceed Window, otherwise a
	// pruned sender could replay an envelope that is still fresh.
	Retention time.Duration `json:"retention"`
}

// DefaultReplayGuardConfig returns a ReplayGuardConfig with sensible defaults.
func DefaultReplayGuardConfig() *ReplayGuardConfig {
	return &ReplayGuardConfig{
		Window:        5 * time.Minute,
		SweepInterval: time.Minute,
		Retention:     30 * time.Minute,
	}
}

// senderState tracks the acceptance high-water mark for one sender.
type senderState struct {
	highNonce    uint64
	lastAccepted time.Time
}

// ReplayGuard rejects duplicate or stale envelopes. Per sender it keeps
// the maximum accepted nonce; an envelope is accepted only when its
// timestamp is within the window and its nonce strictly exceeds the
// high-water mark. Pruned senders fall back to timestamp freshness,
// which the window bounds below.
type ReplayGuard struct {
	mu      sync.Mutex
	senders map[string]*senderState

	config *ReplayGuardConfig
	logger *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewReplayGuard creates a replay guard.
func NewReplayGuard(config *ReplayGuardConfig, logger *zap.Logger) *ReplayGuard {
	if config == nil {
		config = DefaultReplayGuardConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReplayGuard{
		senders: make(map[string]*senderState),
		config:  config,
		logger:  logger.With(zap.String("component", "replay_guard")),
		done:    make(chan struct{}),
	}
}

// Check accepts or rejects an envelope for replay purposes. It must be
// called after signature verification, never before: an unverified
// envelope must not advance the sender's high-water mark.
func (g *ReplayGuard) Check(e *Envelope) error {
	now := time.Now()
	ts := e.Time()
	if now.Sub(ts) > g.config.Window {
		return fmt.Errorf("%w: envelope is %s old", ErrStaleTimestamp, now.Sub(ts).Round(time.Second))
	}
	if ts.Sub(now) > g.config.Window {
		return fmt.Errorf("%w: envelope is %s in the future", ErrStaleTimestamp, ts.Sub(now).Round(time.Second))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.senders[e.AgentID]
	if !ok {
		state = &senderState{}
		g.senders[e.AgentID] = state
	}
	if e.Nonce <= state.highNonce {
		return fmt.Errorf("%w: nonce %d does not advance past %d for agent %s",
			ErrNonceReplayed, e.Nonce, state.highNonce, e.AgentID)
	}

	state.highNonce = e.Nonce
	state.lastAccepted = now
	return nil
}

// Forget drops the tracked state for a sender, used when an agent
// unregisters and its identity is released.
func (g *ReplayGuard) Forget(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.senders, agentID)
}

// Len reports how many senders are currently tracked.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.senders)
}

// Start starts the background sweep.
func (g *ReplayGuard) Start() {
	g.wg.Add(1)
	go g.run()
	g.logger.Info("replay guard started",
		zap.Duration("window", g.config.Window),
		zap.Duration("retention", g.config.Retention),
	)
}

// Stop stops the background sweep.
func (g *ReplayGuard) Stop() {
	close(g.done)
	g.wg.Wait()
	g.logger.Info("replay guard stopped")
}

func (g *ReplayGuard) run() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep(time.Now())
		case <-g.done:
			return
		}
	}
}

// sweep removes sender state idle longer than the retention period.
func (g *ReplayGuard) sweep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, state := range g.senders {
		if now.Sub(state.lastAccepted) > g.config.Retention {
			delete(g.senders, id)
			removed++
		}
	}
	if removed > 0 {
		g.logger.Debug("swept idle replay state", zap.Int("removed", removed))
	}
}
