package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deaddrop_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deaddrop_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deaddrop_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	AgentStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deaddrop_agent_state_changes_total",
			Help: "Agent activations and deactivations",
		},
		[]string{"state"}, // "active" or "inactive"
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deaddrop_messages_sent_total",
			Help: "Total messages accepted for delivery",
		},
	)

	DeliveriesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deaddrop_deliveries_enqueued_total",
			Help: "Total per-recipient deliveries enqueued",
		},
	)

	DeliveriesPolled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deaddrop_deliveries_polled_total",
			Help: "Total deliveries consumed by polls",
		},
	)

	DeliveriesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deaddrop_deliveries_expired_total",
			Help: "Total deliveries discarded after expiry",
		},
	)

	SearchQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deaddrop_search_queries_total",
			Help: "Total search queries",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deaddrop_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"scope"}, // "send" or an edge endpoint
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deaddrop_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deaddrop_store_latency_seconds",
			Help:    "Storage backend operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"backend", "op"},
	)
)

// ObserveStore records the latency of a storage operation started at
// start. Use as: defer metrics.ObserveStore("postgres", "get_agent", time.Now())
func ObserveStore(backend, op string, start time.Time) {
	StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
