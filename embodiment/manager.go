package embodiment

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/somatica/soma/capability"
	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/types"
)

// Config holds configuration for the session manager.
type Config struct {
	// DefaultSessionTTL applies when a request names no duration.
	DefaultSessionTTL time.Duration `json:"default_session_ttl"`

	// MaxSessionTTL caps every grant regardless of request or body
	// policy.
	MaxSessionTTL time.Duration `json:"max_session_ttl"`

	// SweepInterval is how often due expirations are processed. Expiry
	// is also checked lazily on every authorization, so correctness
	// never depends on this cadence.
	SweepInterval time.Duration `json:"sweep_interval"`

	// RetainTerminal is how long ended sessions and their trails stay
	// queryable before they are pruned.
	RetainTerminal time.Duration `json:"retain_terminal"`

	// AuditBuffer is the durable audit spool size.
	AuditBuffer int `json:"audit_buffer"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultSessionTTL: 10 * time.Minute,
		MaxSessionTTL:     time.Hour,
		SweepInterval:     time.Second,
		RetainTerminal:    time.Hour,
		AuditBuffer:       1024,
	}
}

// GrantRequest carries one embodiment request together with the host's
// current declaration for the target body.
type GrantRequest struct {
	GuestID   string
	HostID    string
	BodyID    string
	Requested []string
	Duration  time.Duration
	Declared  envelope.BodyDefinition
}

type sessionEntry struct {
	session *Session
	trail   []AuditRecord
}

// Manager owns the session table, the append-only audit trail, and the
// expiry schedule. Every decision that reads or moves session state
// happens under one lock, so a concurrent revoke and authorize always
// observe a single consistent ordering.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry

	// byAgent maps agent ID to the sessions it participates in, as
	// guest or host, for purge cascades.
	byAgent map[string]map[string]struct{}

	expiry expiryHeap
	seq    uint64

	config *Config
	logger *zap.Logger
	spool  *auditSpool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a session manager. sink may be nil to keep the audit
// trail in memory only.
func New(config *Config, sink AuditSink, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "session_manager"))

	m := &Manager{
		sessions: make(map[string]*sessionEntry),
		byAgent:  make(map[string]map[string]struct{}),
		config:   config,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if sink != nil {
		m.spool = newAuditSpool(sink, config.AuditBuffer, logger)
	}
	return m
}

// Request decides an embodiment request. The returned session is either
// Granted, with the narrowed capability set and an expiry, or Denied
// with a taxonomy code; narrowing never widens the host's declaration.
func (m *Manager) Request(ctx context.Context, req GrantRequest) (*Session, error) {
	if req.GuestID == "" || req.HostID == "" || req.BodyID == "" {
		return nil, types.NewError(types.ErrDecode, "embodiment request must name guest, host, and body")
	}

	now := time.Now()
	session := &Session{
		SessionID:             uuid.NewString(),
		GuestID:               req.GuestID,
		HostID:                req.HostID,
		BodyID:                req.BodyID,
		RequestedCapabilities: append([]string(nil), req.Requested...),
		State:                 StateRequested,
		CreatedAt:             now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertLocked(session)
	m.auditLocked(session.SessionID, AuditRequested, req.GuestID, "",
		strings.Join(req.Requested, ","))

	if !guestAllowed(req.Declared.Policy, req.GuestID) {
		m.denyLocked(session, string(types.ErrCapabilityDenied),
			fmt.Sprintf("guest %s is not allowed by body policy", req.GuestID))
		return session.clone(), nil
	}

	granted := capability.Narrow(req.Requested, declaredSet(req.Declared))
	if len(granted) == 0 {
		m.denyLocked(session, string(types.ErrCapabilityDenied),
			"no requested capability is declared by the body")
		return session.clone(), nil
	}

	ttl := grantTTL(req.Duration, req.Declared.Policy, m.config)
	session.State = StateGranted
	session.GrantedCapabilities = granted
	session.GrantedAt = now
	session.ExpiresAt = now.Add(ttl)
	heap.Push(&m.expiry, expiryEntry{at: session.ExpiresAt, sessionID: session.SessionID})

	m.auditLocked(session.SessionID, AuditGranted, req.HostID, "", strings.Join(granted, ","))
	m.logger.Info("embodiment granted",
		zap.String("session_id", session.SessionID),
		zap.String("guest_id", req.GuestID),
		zap.String("host_id", req.HostID),
		zap.String("body_id", req.BodyID),
		zap.Strings("granted", granted),
		zap.Duration("ttl", ttl),
	)
	return session.clone(), nil
}

// Authorize checks a tool call against a session. On the first
// authorized call a granted session becomes active. The check and its
// audit record are atomic: a concurrent revoke either happens before
// this call, which then fails, or after, in which case this call's
// success precedes the revocation in the trail.
func (m *Manager) Authorize(ctx context.Context, sessionID, toolName string) (*Session, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.NewError(types.ErrSessionExpired, fmt.Sprintf("unknown session %s", sessionID))
	}
	session := entry.session

	if session.Expired(now) {
		m.expireLocked(session, now)
	}

	switch session.State {
	case StateRevoked:
		return nil, types.NewError(types.ErrSessionRevoked,
			fmt.Sprintf("session %s was revoked: %s", sessionID, session.EndReason))
	case StateExpired:
		return nil, types.NewError(types.ErrSessionExpired, fmt.Sprintf("session %s has expired", sessionID))
	case StateRequested, StateDenied:
		return nil, types.NewError(types.ErrCapabilityDenied, fmt.Sprintf("session %s holds no grant", sessionID))
	}

	if !capability.MatchAny(session.GrantedCapabilities, toolName) {
		m.auditLocked(sessionID, AuditCallDenied, session.GuestID, toolName, "outside granted set")
		return nil, types.NewError(types.ErrCapabilityDenied,
			fmt.Sprintf("tool %s is outside the granted capability set", toolName))
	}

	if session.State == StateGranted {
		session.State = StateActive
		session.ActivatedAt = now
	}
	m.auditLocked(sessionID, AuditCallAuthorized, session.GuestID, toolName, "")
	return session.clone(), nil
}

// Revoke ends a session before expiry. Revoking an already revoked
// session is a no-op.
func (m *Manager) Revoke(ctx context.Context, sessionID, actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeLocked(sessionID, actor, reason)
}

// RevokeAgent revokes every session the agent participates in, as host
// or guest. It returns the number of sessions revoked.
func (m *Manager) RevokeAgent(ctx context.Context, agentID, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	revoked := 0
	for sessionID := range m.byAgent[agentID] {
		entry, ok := m.sessions[sessionID]
		if !ok || !entry.session.State.Live() {
			continue
		}
		if err := m.revokeLocked(sessionID, "broker", reason); err == nil {
			revoked++
		}
	}
	if revoked > 0 {
		m.logger.Info("agent sessions revoked",
			zap.String("agent_id", agentID),
			zap.Int("count", revoked),
			zap.String("reason", reason),
		)
	}
	return revoked
}

// Get returns a copy of a session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.NewError(types.ErrSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	return entry.session.clone(), nil
}

// List returns copies of all retained sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, entry := range m.sessions {
		out = append(out, entry.session.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// AuditTrail returns a copy of the append-only trail for a session.
func (m *Manager) AuditTrail(sessionID string) ([]AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.NewError(types.ErrSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	return append([]AuditRecord(nil), entry.trail...), nil
}

// Stats counts retained sessions by state.
func (m *Manager) Stats() map[SessionState]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[SessionState]int)
	for _, entry := range m.sessions {
		out[entry.session.State]++
	}
	return out
}

// Restore loads sessions persisted by an earlier run. Live sessions are
// rescheduled for expiry; trails restart empty, the durable sink keeps
// the history.
func (m *Manager) Restore(sessions []*Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, session := range sessions {
		if session == nil || session.SessionID == "" {
			continue
		}
		restored := session.clone()
		m.insertLocked(restored)
		if restored.State.Live() {
			heap.Push(&m.expiry, expiryEntry{at: restored.ExpiresAt, sessionID: restored.SessionID})
		}
	}
	m.logger.Info("sessions restored", zap.Int("count", len(sessions)))
}

// Start starts the expiry sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.run()
	m.logger.Info("session manager started",
		zap.Duration("default_ttl", m.config.DefaultSessionTTL),
		zap.Duration("max_ttl", m.config.MaxSessionTTL),
	)
	return nil
}

// Close stops the sweep and drains the audit spool.
func (m *Manager) Close() error {
	close(m.done)
	m.wg.Wait()
	if m.spool != nil {
		m.spool.close()
	}
	m.logger.Info("session manager stopped")
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.done:
			return
		}
	}
}

// sweep expires due sessions from the heap and prunes terminal sessions
// past the retention period.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.expiry.Len() > 0 && !m.expiry[0].at.After(now) {
		entry := heap.Pop(&m.expiry).(expiryEntry)
		session, ok := m.sessions[entry.sessionID]
		if !ok || !session.session.State.Live() {
			// Already revoked or pruned; the heap entry is stale.
			continue
		}
		if session.session.Expired(now) {
			m.expireLocked(session.session, now)
		} else {
			// The expiry moved; reschedule.
			heap.Push(&m.expiry, expiryEntry{at: session.session.ExpiresAt, sessionID: entry.sessionID})
		}
	}

	for sessionID, entry := range m.sessions {
		state := entry.session.State
		if !state.IsTerminal() {
			continue
		}
		endedAt := entry.session.EndedAt
		if endedAt.IsZero() {
			endedAt = entry.session.CreatedAt
		}
		if now.Sub(endedAt) > m.config.RetainTerminal {
			m.removeLocked(sessionID)
		}
	}
}

func (m *Manager) insertLocked(session *Session) {
	m.sessions[session.SessionID] = &sessionEntry{session: session}
	for _, agentID := range []string{session.GuestID, session.HostID} {
		ids, ok := m.byAgent[agentID]
		if !ok {
			ids = make(map[string]struct{})
			m.byAgent[agentID] = ids
		}
		ids[session.SessionID] = struct{}{}
	}
}

func (m *Manager) removeLocked(sessionID string) {
	entry, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	for _, agentID := range []string{entry.session.GuestID, entry.session.HostID} {
		if ids, ok := m.byAgent[agentID]; ok {
			delete(ids, sessionID)
			if len(ids) == 0 {
				delete(m.byAgent, agentID)
			}
		}
	}
	delete(m.sessions, sessionID)
}

func (m *Manager) revokeLocked(sessionID, actor, reason string) error {
	entry, ok := m.sessions[sessionID]
	if !ok {
		return types.NewError(types.ErrSessionExpired, fmt.Sprintf("unknown session %s", sessionID))
	}
	session := entry.session

	switch {
	case session.State == StateRevoked:
		return nil
	case !canTransition(session.State, StateRevoked):
		return types.NewError(types.ErrSessionExpired,
			fmt.Sprintf("session %s is %s and cannot be revoked", sessionID, session.State))
	}

	now := time.Now()
	session.State = StateRevoked
	session.EndReason = reason
	session.EndedAt = now
	m.auditLocked(sessionID, AuditRevoked, actor, "", reason)
	m.logger.Info("session revoked",
		zap.String("session_id", sessionID),
		zap.String("actor", actor),
		zap.String("reason", reason),
	)
	return nil
}

func (m *Manager) expireLocked(session *Session, now time.Time) {
	session.State = StateExpired
	session.EndedAt = now
	m.auditLocked(session.SessionID, AuditExpired, "broker", "", "")
}

func (m *Manager) denyLocked(session *Session, code, reason string) {
	session.State = StateDenied
	session.DenyCode = code
	session.EndReason = reason
	session.EndedAt = time.Now()
	m.auditLocked(session.SessionID, AuditDenied, "broker", "", reason)
	m.logger.Info("embodiment denied",
		zap.String("session_id", session.SessionID),
		zap.String("guest_id", session.GuestID),
		zap.String("body_id", session.BodyID),
		zap.String("reason", reason),
	)
}

func (m *Manager) auditLocked(sessionID, event, actor, toolName, detail string) {
	entry, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	m.seq++
	record := AuditRecord{
		Sequence:  m.seq,
		SessionID: sessionID,
		Event:     event,
		Actor:     actor,
		ToolName:  toolName,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	entry.trail = append(entry.trail, record)
	if m.spool != nil {
		m.spool.offer(record)
	}
}

// declaredSet flattens a body declaration into its capability universe:
// the declared patterns followed by each tool's own pattern or name.
func declaredSet(body envelope.BodyDefinition) []string {
	out := append([]string(nil), body.Capabilities...)
	for _, tool := range body.Tools {
		if tool.Pattern != "" {
			out = append(out, tool.Pattern)
		} else if tool.Name != "" {
			out = append(out, tool.Name)
		}
	}
	return out
}

func guestAllowed(policy envelope.SecurityPolicy, guestID string) bool {
	if len(policy.AllowedGuests) == 0 {
		return true
	}
	return capability.MatchAny(policy.AllowedGuests, guestID)
}

func grantTTL(requested time.Duration, policy envelope.SecurityPolicy, config *Config) time.Duration {
	ttl := requested
	if ttl <= 0 {
		ttl = config.DefaultSessionTTL
	}
	if policy.MaxSessionSeconds > 0 {
		if limit := time.Duration(policy.MaxSessionSeconds) * time.Second; ttl > limit {
			ttl = limit
		}
	}
	if ttl > config.MaxSessionTTL {
		ttl = config.MaxSessionTTL
	}
	return ttl
}

// expiryEntry schedules one session for expiry processing.
type expiryEntry struct {
	at        time.Time
	sessionID string
}

// expiryHeap is a min-heap ordered by expiry time.
type expiryHeap []expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(expiryEntry)) }

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
