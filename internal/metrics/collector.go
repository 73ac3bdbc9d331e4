package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the broker's Prometheus metrics. It is
// created once at startup and shared; all record methods tolerate a nil
// receiver so components can be built without metrics in tests.
type Collector struct {
	// HTTP surface
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Envelope intake
	envelopesTotal   *prometheus.CounterVec
	envelopeDuration *prometheus.HistogramVec
	rejectionsTotal  *prometheus.CounterVec

	// Embodiment sessions
	sessionTransitions *prometheus.CounterVec
	sessionsLive       *prometheus.GaugeVec

	// Discovery and selection
	discoveryQueries  *prometheus.CounterVec
	discoveryMatches  *prometheus.HistogramVec
	selectionOutcomes *prometheus.CounterVec

	// Federation links
	federationLinks *prometheus.GaugeVec
	linkTransitions *prometheus.CounterVec
	peerQueries     *prometheus.CounterVec

	// Database pool
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector with all metric families registered
// under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.envelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Total number of envelopes handled, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	c.envelopeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "envelope_handle_duration_seconds",
			Help:      "Envelope handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	c.rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Total number of rejected envelopes, by taxonomy code",
		},
		[]string{"code"},
	)

	c.sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of embodiment session transitions",
		},
		[]string{"event"},
	)

	c.sessionsLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of embodiment sessions by state",
		},
		[]string{"state"},
	)

	c.discoveryQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_queries_total",
			Help:      "Total number of discovery queries, by scope and outcome",
		},
		[]string{"scope", "outcome"},
	)

	c.discoveryMatches = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_matches",
			Help:      "Number of candidates returned per discovery query",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"scope"},
	)

	c.selectionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selection_outcomes_total",
			Help:      "Total number of host selections, by outcome",
		},
		[]string{"outcome"},
	)

	c.federationLinks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "federation_links",
			Help:      "Number of federation links by state",
		},
		[]string{"state"},
	)

	c.linkTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_link_transitions_total",
			Help:      "Total number of federation link state transitions",
		},
		[]string{"from", "to"},
	)

	c.peerQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_peer_queries_total",
			Help:      "Total number of queries forwarded to peer brokers, by outcome",
		},
		[]string{"outcome"},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordEnvelope records one handled envelope with its outcome.
func (c *Collector) RecordEnvelope(envType, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.envelopesTotal.WithLabelValues(envType, outcome).Inc()
	c.envelopeDuration.WithLabelValues(envType).Observe(duration.Seconds())
}

// RecordRejection records one rejected envelope by taxonomy code.
func (c *Collector) RecordRejection(code string) {
	if c == nil {
		return
	}
	c.rejectionsTotal.WithLabelValues(code).Inc()
}

// RecordSessionTransition records one embodiment session event.
func (c *Collector) RecordSessionTransition(event string) {
	if c == nil {
		return
	}
	c.sessionTransitions.WithLabelValues(event).Inc()
}

// SetSessions sets the live session gauge for one state.
func (c *Collector) SetSessions(state string, n int) {
	if c == nil {
		return
	}
	c.sessionsLive.WithLabelValues(state).Set(float64(n))
}

// RecordDiscovery records one discovery query and its match count.
func (c *Collector) RecordDiscovery(scope, outcome string, matches int) {
	if c == nil {
		return
	}
	c.discoveryQueries.WithLabelValues(scope, outcome).Inc()
	c.discoveryMatches.WithLabelValues(scope).Observe(float64(matches))
}

// RecordSelection records one host selection outcome.
func (c *Collector) RecordSelection(outcome string) {
	if c == nil {
		return
	}
	c.selectionOutcomes.WithLabelValues(outcome).Inc()
}

// SetFederationLinks sets the link gauge for one state.
func (c *Collector) SetFederationLinks(state string, n int) {
	if c == nil {
		return
	}
	c.federationLinks.WithLabelValues(state).Set(float64(n))
}

// RecordLinkTransition records one federation link state transition.
func (c *Collector) RecordLinkTransition(from, to string) {
	if c == nil {
		return
	}
	c.linkTransitions.WithLabelValues(from, to).Inc()
}

// RecordPeerQuery records one forwarded federation query.
func (c *Collector) RecordPeerQuery(outcome string) {
	if c == nil {
		return
	}
	c.peerQueries.WithLabelValues(outcome).Inc()
}

// RecordDBConnections records database pool connection counts.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery records one database query duration.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// statusCode folds an HTTP status into its class label.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
