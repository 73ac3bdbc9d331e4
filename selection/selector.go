package selection

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/somatica/soma/types"
)

// Config holds configuration for host selection.
type Config struct {
	// RecencyWindow is the horizon over which a host's last success
	// still contributes to its health. A host idle past the window
	// scores zero on recency.
	RecencyWindow time.Duration `json:"recency_window"`

	// ErrorRateWindow is the sliding window for success and failure
	// counters. Counters decay by half each elapsed window.
	ErrorRateWindow time.Duration `json:"error_rate_window"`

	// RecencyWeight, SuccessWeight, and CapacityWeight blend the three
	// health components. They should sum to 1.
	RecencyWeight  float64 `json:"recency_weight"`
	SuccessWeight  float64 `json:"success_weight"`
	CapacityWeight float64 `json:"capacity_weight"`

	// MinHealthThreshold excludes hosts scoring below it. When every
	// candidate is excluded, selection fails rather than picking an
	// unhealthy host.
	MinHealthThreshold float64 `json:"min_health_threshold"`

	// FailurePenalty is the multiplicative penalty applied to a host's
	// health on each reported failure. Success clears it.
	FailurePenalty float64 `json:"failure_penalty"`

	// MaxFailover caps how many next-best candidates a caller should
	// try after the preferred host fails.
	MaxFailover int `json:"max_failover"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RecencyWindow:      10 * time.Minute,
		ErrorRateWindow:    5 * time.Minute,
		RecencyWeight:      0.4,
		SuccessWeight:      0.4,
		CapacityWeight:     0.2,
		MinHealthThreshold: 0.2,
		FailurePenalty:     0.5,
		MaxFailover:        2,
	}
}

// Candidate is a selectable host as seen by the caller: its identity
// plus the declared capacity and reported load from the registry.
type Candidate struct {
	ID       string    `json:"id"`
	Capacity int       `json:"capacity"`
	Load     float64   `json:"load"`
	LastSeen time.Time `json:"last_seen"`
}

// HostStats is the observed history for one host.
type HostStats struct {
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	LastSuccess time.Time     `json:"last_success,omitempty"`
	LastChosen  time.Time     `json:"last_chosen,omitempty"`
	Penalty     float64       `json:"penalty"`
	Latency     time.Duration `json:"latency,omitempty"`
}

type hostHealth struct {
	successes   float64
	failures    float64
	windowStart time.Time
	lastSuccess time.Time
	lastChosen  time.Time
	penalty     float64
	ewmaLatency time.Duration
}

// Selector scores hosts and picks the healthiest. Health blends recency
// of last success, the sliding success rate, and declared capacity
// against reported load; reported failures apply an immediate penalty
// so a bad host is deprioritized for the very next query.
type Selector struct {
	mu     sync.Mutex
	hosts  map[string]*hostHealth
	config *Config
	logger *zap.Logger
}

// New creates a selector.
func New(config *Config, logger *zap.Logger) *Selector {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Selector{
		hosts:  make(map[string]*hostHealth),
		config: config,
		logger: logger.With(zap.String("component", "host_selector")),
	}
}

// Score computes the current health of a candidate in [0,1].
func (s *Selector) Score(candidate Candidate) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoreLocked(candidate, time.Now())
}

// Select picks the healthiest eligible candidate. Ties go to the least
// recently chosen host. When no candidate reaches the health threshold
// the result is a NoneAvailable error, never an unhealthy pick.
func (s *Selector) Select(candidates []Candidate) (*Candidate, error) {
	ranked, err := s.Rank(candidates)
	if err != nil {
		return nil, err
	}

	chosen := ranked[0]
	s.mu.Lock()
	s.healthFor(chosen.ID).lastChosen = time.Now()
	s.mu.Unlock()

	return &chosen, nil
}

// Rank returns the eligible candidates ordered best-first, for callers
// that fail over to the next-best host. The order is health descending
// with least-recently-chosen breaking ties.
func (s *Selector) Rank(candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrNoneAvailable, "no candidate hosts")
	}

	now := time.Now()
	type scored struct {
		candidate  Candidate
		health     float64
		lastChosen time.Time
	}

	s.mu.Lock()
	eligible := make([]scored, 0, len(candidates))
	for _, candidate := range candidates {
		health := s.scoreLocked(candidate, now)
		if health < s.config.MinHealthThreshold {
			s.logger.Debug("candidate below health threshold",
				zap.String("id", candidate.ID),
				zap.Float64("health", health),
			)
			continue
		}
		eligible = append(eligible, scored{
			candidate:  candidate,
			health:     health,
			lastChosen: s.healthFor(candidate.ID).lastChosen,
		})
	}
	s.mu.Unlock()

	if len(eligible) == 0 {
		return nil, types.NewError(types.ErrNoneAvailable, "no candidate host is healthy")
	}

	sort.Slice(eligible, func(i, j int) bool {
		if math.Abs(eligible[i].health-eligible[j].health) > 1e-9 {
			return eligible[i].health > eligible[j].health
		}
		return eligible[i].lastChosen.Before(eligible[j].lastChosen)
	})

	out := make([]Candidate, len(eligible))
	for i, e := range eligible {
		out[i] = e.candidate
	}
	return out, nil
}

// MaxFailover reports how many next-best retries the configuration
// allows after the first choice fails.
func (s *Selector) MaxFailover() int {
	return s.config.MaxFailover
}

// ReportSuccess records a completed call and clears any failure
// penalty.
func (s *Selector) ReportSuccess(id string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	health := s.healthFor(id)
	s.decayLocked(health, now)
	health.successes++
	health.lastSuccess = now
	health.penalty = 1
	if health.ewmaLatency == 0 {
		health.ewmaLatency = latency
	} else {
		health.ewmaLatency = (health.ewmaLatency*3 + latency) / 4
	}
}

// ReportFailure records a failed call and applies the immediate
// penalty so the host drops in subsequent rankings.
func (s *Selector) ReportFailure(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	health := s.healthFor(id)
	s.decayLocked(health, now)
	health.failures++
	health.penalty *= s.config.FailurePenalty
	if health.penalty < 0.01 {
		health.penalty = 0.01
	}

	s.logger.Debug("host failure reported",
		zap.String("id", id),
		zap.Float64("penalty", health.penalty),
	)
}

// Forget drops the history for a host, used when its agent is purged.
func (s *Selector) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, id)
}

// Stats returns a snapshot of per-host history.
func (s *Selector) Stats() map[string]HostStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]HostStats, len(s.hosts))
	for id, health := range s.hosts {
		out[id] = HostStats{
			Successes:   int(math.Round(health.successes)),
			Failures:    int(math.Round(health.failures)),
			LastSuccess: health.lastSuccess,
			LastChosen:  health.lastChosen,
			Penalty:     health.penalty,
			Latency:     health.ewmaLatency,
		}
	}
	return out
}

func (s *Selector) healthFor(id string) *hostHealth {
	health, ok := s.hosts[id]
	if !ok {
		health = &hostHealth{penalty: 1, windowStart: time.Now()}
		s.hosts[id] = health
	}
	return health
}

// decayLocked halves the sliding counters once per elapsed window.
func (s *Selector) decayLocked(health *hostHealth, now time.Time) {
	window := s.config.ErrorRateWindow
	if window <= 0 {
		return
	}
	for now.Sub(health.windowStart) > window {
		health.successes /= 2
		health.failures /= 2
		health.windowStart = health.windowStart.Add(window)
		if health.successes < 0.01 && health.failures < 0.01 {
			health.successes, health.failures = 0, 0
			health.windowStart = now
			break
		}
	}
}

func (s *Selector) scoreLocked(candidate Candidate, now time.Time) float64 {
	health := s.healthFor(candidate.ID)
	s.decayLocked(health, now)

	// Recency: how recently the host last worked. A host with no call
	// history falls back to its registry heartbeat.
	reference := health.lastSuccess
	if reference.IsZero() {
		reference = candidate.LastSeen
	}
	recency := 0.0
	if !reference.IsZero() {
		idle := now.Sub(reference)
		if idle < 0 {
			idle = 0
		}
		recency = 1 - float64(idle)/float64(s.config.RecencyWindow)
		recency = clamp01(recency)
	}

	// Success rate: neutral until there is history.
	successRate := 1.0
	if total := health.successes + health.failures; total > 0 {
		successRate = health.successes / total
	}

	// Capacity headroom from declared capacity and reported load.
	capacityScore := 0.5
	if candidate.Capacity > 0 {
		capacityScore = clamp01(1 - candidate.Load)
	}

	score := s.config.RecencyWeight*recency +
		s.config.SuccessWeight*successRate +
		s.config.CapacityWeight*capacityScore
	return clamp01(score * health.penalty)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
