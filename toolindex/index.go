package toolindex

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/somatica/soma/capability"
	"github.com/somatica/soma/envelope"
)

// Config holds configuration for the tool index.
type Config struct {
	// DefaultFederatedTTL applies to imported entries whose import did
	// not carry an explicit TTL.
	DefaultFederatedTTL time.Duration `json:"default_federated_ttl"`

	// SeenQueryTTL is how long a (originBrokerId, queryId) pair is
	// remembered for loop prevention.
	SeenQueryTTL time.Duration `json:"seen_query_ttl"`

	// SweepInterval is how often expired federated entries and seen
	// queries are pruned.
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultFederatedTTL: 5 * time.Minute,
		SeenQueryTTL:        2 * time.Minute,
		SweepInterval:       30 * time.Second,
	}
}

// Candidate is one discoverable tool with its provenance. Local entries
// carry the hosting agent and body; federated entries carry the remote
// broker and an expiry.
type Candidate struct {
	Tool    envelope.ToolMetadata `json:"tool"`
	AgentID string                `json:"agent_id,omitempty"`
	BodyID  string                `json:"body_id,omitempty"`

	RemoteBrokerID string    `json:"remote_broker_id,omitempty"`
	ImportedAt     time.Time `json:"imported_at,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// Federated reports whether the candidate was imported over a link.
func (c *Candidate) Federated() bool {
	return c.RemoteBrokerID != ""
}

type seenKey struct {
	origin  string
	queryID string
}

// Index is the discoverable tool surface: locally hosted tools plus
// TTL-bounded imports from federated brokers. Lookups are incremental;
// a query with a literal first segment only scans the matching bucket.
type Index struct {
	mu sync.RWMutex

	// byOwner maps owner key to tool name to candidate.
	byOwner map[string]map[string]*Candidate

	// byName maps tool name to owner key to candidate.
	byName map[string]map[string]*Candidate

	// buckets maps the first name segment to the set of tool names
	// under it.
	buckets map[string]map[string]struct{}

	// seen is the loop-prevention table for federated queries.
	seen map[seenKey]time.Time

	config *Config
	logger *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a tool index.
func New(config *Config, logger *zap.Logger) *Index {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Index{
		byOwner: make(map[string]map[string]*Candidate),
		byName:  make(map[string]map[string]*Candidate),
		buckets: make(map[string]map[string]struct{}),
		seen:    make(map[seenKey]time.Time),
		config:  config,
		logger:  logger.With(zap.String("component", "tool_index")),
		done:    make(chan struct{}),
	}
}

// Owner keys share one namespace, so federated owners are prefixed to
// keep a broker ID from colliding with an agent ID.
func linkOwner(remoteBrokerID string) string {
	return "link:" + remoteBrokerID
}

// IndexAgent replaces every local entry for an agent with the tools of
// its current body declarations.
func (x *Index) IndexAgent(agentID string, bodies map[string]envelope.BodyDefinition) {
	now := time.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeOwnerLocked(agentID)
	for bodyID, body := range bodies {
		for _, tool := range body.Tools {
			candidate := &Candidate{Tool: tool, AgentID: agentID, BodyID: bodyID}
			candidate.Tool.LastSeen = now.UnixMilli()
			x.insertLocked(agentID, candidate)
		}
	}

	x.logger.Debug("agent tools indexed",
		zap.String("agent_id", agentID),
		zap.Int("tools", len(x.byOwner[agentID])),
	)
}

// RemoveAgent drops every local entry for an agent.
func (x *Index) RemoveAgent(agentID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeOwnerLocked(agentID)
}

// ImportFederated replaces the imported entries for a remote broker.
// Re-importing refreshes the TTL; a zero ttl uses the configured
// default.
func (x *Index) ImportFederated(remoteBrokerID string, matches []envelope.ToolMatch, ttl time.Duration) {
	if ttl <= 0 {
		ttl = x.config.DefaultFederatedTTL
	}
	now := time.Now()
	owner := linkOwner(remoteBrokerID)

	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeOwnerLocked(owner)
	for _, match := range matches {
		candidate := &Candidate{
			Tool:           match.Tool,
			AgentID:        match.AgentID,
			BodyID:         match.BodyID,
			RemoteBrokerID: remoteBrokerID,
			ImportedAt:     now,
			ExpiresAt:      now.Add(ttl),
		}
		x.insertLocked(owner, candidate)
	}

	x.logger.Debug("federated tools imported",
		zap.String("remote_broker_id", remoteBrokerID),
		zap.Int("tools", len(matches)),
		zap.Duration("ttl", ttl),
	)
}

// EvictLink immediately drops everything imported from a remote broker,
// used when its link is severed.
func (x *Index) EvictLink(remoteBrokerID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	owner := linkOwner(remoteBrokerID)
	if len(x.byOwner[owner]) > 0 {
		x.logger.Info("federated tools evicted",
			zap.String("remote_broker_id", remoteBrokerID),
			zap.Int("tools", len(x.byOwner[owner])),
		)
	}
	x.removeOwnerLocked(owner)
}

// Discover returns candidates whose names match the query. Expired
// federated entries never appear even if the sweep has not pruned them
// yet. Results are ordered by name, then local before federated, then
// owner.
func (x *Index) Discover(query envelope.DiscoveryQuery) []Candidate {
	now := time.Now()

	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []Candidate
	for name := range x.candidateNames(query.Pattern) {
		if query.Pattern != "" && !capability.Match(query.Pattern, name) {
			continue
		}
		if !matchesAll(query.Capabilities, name) {
			continue
		}
		for _, candidate := range x.byName[name] {
			if candidate.Federated() && now.After(candidate.ExpiresAt) {
				continue
			}
			out = append(out, *candidate)
		}
	}

	sortCandidates(out)
	return out
}

// SeenQuery records a federated query and reports whether it was
// already seen inside the dedupe window. The first call for a pair
// returns false and marks it.
func (x *Index) SeenQuery(originBrokerID, queryID string) bool {
	if originBrokerID == "" || queryID == "" {
		return false
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	key := seenKey{origin: originBrokerID, queryID: queryID}
	if _, ok := x.seen[key]; ok {
		return true
	}
	x.seen[key] = time.Now()
	return false
}

// Len reports the number of indexed candidates, local plus federated.
func (x *Index) Len() (local, federated int) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for owner, entries := range x.byOwner {
		if strings.HasPrefix(owner, "link:") {
			federated += len(entries)
		} else {
			local += len(entries)
		}
	}
	return local, federated
}

// Start starts the TTL sweep.
func (x *Index) Start() {
	x.wg.Add(1)
	go x.run()
	x.logger.Info("tool index started",
		zap.Duration("federated_ttl", x.config.DefaultFederatedTTL),
	)
}

// Close stops the TTL sweep.
func (x *Index) Close() error {
	close(x.done)
	x.wg.Wait()
	x.logger.Info("tool index stopped")
	return nil
}

func (x *Index) run() {
	defer x.wg.Done()

	ticker := time.NewTicker(x.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			x.sweep(time.Now())
		case <-x.done:
			return
		}
	}
}

// sweep prunes expired federated entries and stale seen-query records.
func (x *Index) sweep(now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	evicted := 0
	for owner, entries := range x.byOwner {
		if !strings.HasPrefix(owner, "link:") {
			continue
		}
		for name, candidate := range entries {
			if now.After(candidate.ExpiresAt) {
				x.removeEntryLocked(owner, name)
				evicted++
			}
		}
	}

	for key, at := range x.seen {
		if now.Sub(at) > x.config.SeenQueryTTL {
			delete(x.seen, key)
		}
	}

	if evicted > 0 {
		x.logger.Debug("expired federated tools evicted", zap.Int("evicted", evicted))
	}
}

// candidateNames returns the name set a pattern query needs to scan.
// A literal first segment narrows the scan to one bucket.
func (x *Index) candidateNames(pattern string) map[string]struct{} {
	if pattern == "" {
		return x.allNames()
	}
	first, _, _ := strings.Cut(pattern, ".")
	if strings.ContainsAny(first, `*?[\`) {
		return x.allNames()
	}
	return x.buckets[first]
}

func (x *Index) allNames() map[string]struct{} {
	names := make(map[string]struct{}, len(x.byName))
	for name := range x.byName {
		names[name] = struct{}{}
	}
	return names
}

func (x *Index) insertLocked(owner string, candidate *Candidate) {
	name := candidate.Tool.Name
	if name == "" {
		return
	}

	entries, ok := x.byOwner[owner]
	if !ok {
		entries = make(map[string]*Candidate)
		x.byOwner[owner] = entries
	}
	entries[name] = candidate

	owners, ok := x.byName[name]
	if !ok {
		owners = make(map[string]*Candidate)
		x.byName[name] = owners
	}
	owners[owner] = candidate

	first, _, _ := strings.Cut(name, ".")
	bucket, ok := x.buckets[first]
	if !ok {
		bucket = make(map[string]struct{})
		x.buckets[first] = bucket
	}
	bucket[name] = struct{}{}
}

func (x *Index) removeOwnerLocked(owner string) {
	for name := range x.byOwner[owner] {
		x.removeEntryLocked(owner, name)
	}
}

func (x *Index) removeEntryLocked(owner, name string) {
	if entries, ok := x.byOwner[owner]; ok {
		delete(entries, name)
		if len(entries) == 0 {
			delete(x.byOwner, owner)
		}
	}

	owners, ok := x.byName[name]
	if !ok {
		return
	}
	delete(owners, owner)
	if len(owners) > 0 {
		return
	}
	delete(x.byName, name)

	first, _, _ := strings.Cut(name, ".")
	if bucket, ok := x.buckets[first]; ok {
		delete(bucket, name)
		if len(bucket) == 0 {
			delete(x.buckets, first)
		}
	}
}

func matchesAll(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if !capability.Match(pattern, name) {
			return false
		}
	}
	return true
}

func sortCandidates(out []Candidate) {
	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.Tool.Name != b.Tool.Name {
			return a.Tool.Name < b.Tool.Name
		}
		if a.Federated() != b.Federated() {
			return !a.Federated()
		}
		if a.AgentID != b.AgentID {
			return a.AgentID < b.AgentID
		}
		return a.RemoteBrokerID < b.RemoteBrokerID
	})
}
