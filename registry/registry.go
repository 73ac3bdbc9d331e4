package registry

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/somatica/soma/capability"
	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/types"
)

// Config holds configuration for the agent registry.
type Config struct {
	// LivenessInterval is how long an agent may go without a heartbeat
	// before it is marked stale.
	LivenessInterval time.Duration `json:"liveness_interval"`

	// PurgeGrace is how long a stale agent is kept before it is purged
	// and its identity released.
	PurgeGrace time.Duration `json:"purge_grace"`

	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LivenessInterval: 90 * time.Second,
		PurgeGrace:       5 * time.Minute,
		SweepInterval:    15 * time.Second,
	}
}

// Registry tracks registered agents, their pinned signing keys, and the
// bodies they host. Reads dominate writes: lookups take the read lock,
// registration and the liveness sweep take the write lock.
type Registry struct {
	mu sync.RWMutex

	// agents stores records by agent ID.
	agents map[string]*AgentRecord

	// bodyIndex maps bodyId to the set of agent IDs hosting it.
	bodyIndex map[string]map[string]struct{}

	// eventHandlers stores subscribed lifecycle handlers.
	eventHandlers map[string]EventHandler
	handlerMu     sync.RWMutex

	config *Config
	logger *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an agent registry.
func New(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		agents:        make(map[string]*AgentRecord),
		bodyIndex:     make(map[string]map[string]struct{}),
		eventHandlers: make(map[string]EventHandler),
		config:        config,
		logger:        logger.With(zap.String("component", "agent_registry")),
		done:          make(chan struct{}),
	}
}

// Register pins an agent identity and declares its bodies. The first
// registration binds agentId to the public key; a later registration
// with the same key atomically replaces the declaration, and one with a
// different key is rejected without touching the existing record.
func (r *Registry) Register(ctx context.Context, agentID string, body *envelope.RegisterAgentBody) (*AgentRecord, error) {
	if agentID == "" {
		return nil, types.NewError(types.ErrDecode, "agent id is empty")
	}
	if len(body.PublicKey) != ed25519.PublicKeySize {
		return nil, types.NewError(types.ErrDecode,
			fmt.Sprintf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(body.PublicKey)))
	}
	bodies, err := indexBodies(body.Bodies)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	existing, exists := r.agents[agentID]
	if exists && !bytes.Equal(existing.PublicKey, body.PublicKey) {
		return nil, types.NewError(types.ErrIdentityConflict,
			fmt.Sprintf("agent %s is already registered under a different key", agentID))
	}

	record := &AgentRecord{
		AgentID:      agentID,
		PublicKey:    append([]byte(nil), body.PublicKey...),
		Endpoint:     body.Endpoint,
		MCPEndpoint:  body.MCPEndpoint,
		Bodies:       bodies,
		Capacity:     body.Capacity,
		Status:       AgentStatusActive,
		RegisteredAt: now,
		LastSeen:     now,
	}

	eventType := EventAgentRegistered
	if exists {
		record.RegisteredAt = existing.RegisteredAt
		record.Load = existing.Load
		eventType = EventAgentRefreshed
		r.unindexAgent(existing)
	}

	r.agents[agentID] = record
	r.indexAgent(record)

	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.Int("bodies", len(record.Bodies)),
		zap.Bool("refresh", exists),
	)
	r.emitEvent(&Event{Type: eventType, AgentID: agentID, Timestamp: now})

	return copyRecord(record), nil
}

// Heartbeat refreshes an agent's liveness and reported load. A stale
// agent that heartbeats is restored to active.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, load float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.agents[agentID]
	if !ok {
		return types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent %s is not registered", agentID))
	}

	now := time.Now()
	record.LastSeen = now
	if load > 0 {
		record.Load = load
	}
	if record.Status == AgentStatusStale {
		record.Status = AgentStatusActive
		r.logger.Info("agent recovered", zap.String("agent_id", agentID))
		r.emitEvent(&Event{Type: EventAgentRecovered, AgentID: agentID, Timestamp: now})
	}
	return nil
}

// Unregister removes an agent voluntarily and releases its identity.
func (r *Registry) Unregister(ctx context.Context, agentID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.agents[agentID]
	if !ok {
		return types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent %s is not registered", agentID))
	}

	r.unindexAgent(record)
	delete(r.agents, agentID)

	r.logger.Info("agent unregistered",
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
	)
	r.emitEvent(&Event{Type: EventAgentPurged, AgentID: agentID, Reason: reason, Timestamp: time.Now()})
	return nil
}

// Lookup returns a copy of the record for an agent.
func (r *Registry) Lookup(agentID string) (*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.agents[agentID]
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent %s is not registered", agentID))
	}
	return copyRecord(record), nil
}

// PublicKeyOf returns the pinned key for an agent. Stale agents keep
// their key so a late heartbeat can still verify and recover.
func (r *Registry) PublicKeyOf(agentID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.agents[agentID]
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent %s is not registered", agentID))
	}
	return append([]byte(nil), record.PublicKey...), nil
}

// Snapshot returns copies of all records ordered by agent ID.
func (r *Registry) Snapshot() []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*AgentRecord, 0, len(r.agents))
	for _, record := range r.agents {
		records = append(records, copyRecord(record))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	return records
}

// HostsOf returns active agents hosting the given body.
func (r *Registry) HostsOf(bodyID string) []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := r.bodyIndex[bodyID]
	records := make([]*AgentRecord, 0, len(owners))
	for agentID := range owners {
		record, ok := r.agents[agentID]
		if !ok || record.Status != AgentStatusActive {
			continue
		}
		records = append(records, copyRecord(record))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	return records
}

// ApplyBodyUpdate atomically replaces one body declaration. The update
// also counts as a liveness signal since it is owner-signed.
func (r *Registry) ApplyBodyUpdate(ctx context.Context, agentID string, body envelope.BodyDefinition) error {
	if err := validateBody(body); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.agents[agentID]
	if !ok {
		return types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent %s is not registered", agentID))
	}

	record.Bodies[body.BodyID] = body
	record.LastSeen = time.Now()
	if owners, ok := r.bodyIndex[body.BodyID]; ok {
		owners[agentID] = struct{}{}
	} else {
		r.bodyIndex[body.BodyID] = map[string]struct{}{agentID: {}}
	}

	r.logger.Info("body updated",
		zap.String("agent_id", agentID),
		zap.String("body_id", body.BodyID),
		zap.Int("tools", len(body.Tools)),
	)
	r.emitEvent(&Event{Type: EventAgentRefreshed, AgentID: agentID, Timestamp: record.LastSeen})
	return nil
}

// Subscribe registers a lifecycle event handler and returns its
// subscription ID.
func (r *Registry) Subscribe(handler EventHandler) string {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	id := fmt.Sprintf("sub-%d", time.Now().UnixNano())
	r.eventHandlers[id] = handler
	return id
}

// Unsubscribe removes a lifecycle event handler.
func (r *Registry) Unsubscribe(subscriptionID string) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	delete(r.eventHandlers, subscriptionID)
}

// Start starts the liveness sweep.
func (r *Registry) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("agent registry started",
		zap.Duration("liveness_interval", r.config.LivenessInterval),
		zap.Duration("purge_grace", r.config.PurgeGrace),
	)
	return nil
}

// Close stops the liveness sweep.
func (r *Registry) Close() error {
	close(r.done)
	r.wg.Wait()
	r.logger.Info("agent registry stopped")
	return nil
}

func (r *Registry) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

// sweep marks agents stale past the liveness interval and purges them
// past the grace period.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for agentID, record := range r.agents {
		idle := now.Sub(record.LastSeen)
		switch record.Status {
		case AgentStatusActive:
			if idle > r.config.LivenessInterval {
				record.Status = AgentStatusStale
				r.logger.Warn("agent stale",
					zap.String("agent_id", agentID),
					zap.Duration("idle", idle),
				)
				r.emitEvent(&Event{Type: EventAgentStale, AgentID: agentID, Timestamp: now})
			}
		case AgentStatusStale:
			if idle > r.config.LivenessInterval+r.config.PurgeGrace {
				r.unindexAgent(record)
				delete(r.agents, agentID)
				r.logger.Warn("agent purged",
					zap.String("agent_id", agentID),
					zap.Duration("idle", idle),
				)
				r.emitEvent(&Event{Type: EventAgentPurged, AgentID: agentID, Reason: "liveness expired", Timestamp: now})
			}
		}
	}
}

func (r *Registry) emitEvent(event *Event) {
	r.handlerMu.RLock()
	handlers := make([]EventHandler, 0, len(r.eventHandlers))
	for _, h := range r.eventHandlers {
		handlers = append(handlers, h)
	}
	r.handlerMu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

func (r *Registry) indexAgent(record *AgentRecord) {
	for bodyID := range record.Bodies {
		owners, ok := r.bodyIndex[bodyID]
		if !ok {
			owners = make(map[string]struct{})
			r.bodyIndex[bodyID] = owners
		}
		owners[record.AgentID] = struct{}{}
	}
}

func (r *Registry) unindexAgent(record *AgentRecord) {
	for bodyID := range record.Bodies {
		if owners, ok := r.bodyIndex[bodyID]; ok {
			delete(owners, record.AgentID)
			if len(owners) == 0 {
				delete(r.bodyIndex, bodyID)
			}
		}
	}
}

// indexBodies validates declarations and keys them by body ID.
func indexBodies(declared []envelope.BodyDefinition) (map[string]envelope.BodyDefinition, error) {
	bodies := make(map[string]envelope.BodyDefinition, len(declared))
	for _, body := range declared {
		if err := validateBody(body); err != nil {
			return nil, err
		}
		if _, dup := bodies[body.BodyID]; dup {
			return nil, types.NewError(types.ErrDecode, fmt.Sprintf("duplicate body id %q", body.BodyID))
		}
		bodies[body.BodyID] = body
	}
	return bodies, nil
}

func validateBody(body envelope.BodyDefinition) error {
	if body.BodyID == "" {
		return types.NewError(types.ErrDecode, "body id is empty")
	}
	for _, tool := range body.Tools {
		if tool.Name == "" {
			return types.NewError(types.ErrDecode, fmt.Sprintf("body %q declares a tool without a name", body.BodyID))
		}
		if tool.Pattern != "" && !capability.Valid(tool.Pattern) {
			return types.NewError(types.ErrDecode,
				fmt.Sprintf("body %q declares malformed pattern %q", body.BodyID, tool.Pattern))
		}
	}
	for _, pattern := range body.Capabilities {
		if !capability.Valid(pattern) {
			return types.NewError(types.ErrDecode,
				fmt.Sprintf("body %q declares malformed capability %q", body.BodyID, pattern))
		}
	}
	return nil
}

// copyRecord deep-copies a record so callers never alias registry state.
func copyRecord(record *AgentRecord) *AgentRecord {
	if record == nil {
		return nil
	}

	out := *record
	out.PublicKey = append([]byte(nil), record.PublicKey...)
	out.Bodies = make(map[string]envelope.BodyDefinition, len(record.Bodies))
	for id, body := range record.Bodies {
		out.Bodies[id] = copyBody(body)
	}
	return &out
}

func copyBody(body envelope.BodyDefinition) envelope.BodyDefinition {
	out := body
	out.Tools = make([]envelope.ToolMetadata, len(body.Tools))
	for i, tool := range body.Tools {
		out.Tools[i] = tool
		if tool.InputSchema != nil {
			schema := make(map[string]any, len(tool.InputSchema))
			for k, v := range tool.InputSchema {
				schema[k] = v
			}
			out.Tools[i].InputSchema = schema
		}
	}
	out.Capabilities = append([]string(nil), body.Capabilities...)
	out.Policy.AllowedGuests = append([]string(nil), body.Policy.AllowedGuests...)
	return out
}
