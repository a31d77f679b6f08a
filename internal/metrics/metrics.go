package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry metrics
var (
	// HubConnectedClients tracks the number of live WebSocket connections
	HubConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connected_clients",
			Help: "Number of live WebSocket connections",
		},
	)

	// HubConnectedUsers tracks the number of distinct users with at least one live connection
	HubConnectedUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connected_users",
			Help: "Number of distinct users with at least one live connection",
		},
	)

	// HubMessagesReceived tracks inbound client messages by kind
	HubMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_messages_received_total",
			Help: "Inbound client messages by message kind",
		},
		[]string{"kind"},
	)

	// HubMessagesRateLimited tracks inbound messages dropped by the rate limiter
	HubMessagesRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_messages_rate_limited_total",
			Help: "Inbound messages dropped by the rate limiter",
		},
	)

	// HubBroadcastsSent tracks frames delivered by broadcast operations, by topic
	HubBroadcastsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_broadcasts_sent_total",
			Help: "Frames delivered by broadcast operations, by topic",
		},
		[]string{"topic"},
	)

	// HubSlowClientsEvicted tracks connections removed because their outbound buffer filled
	HubSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_clients_evicted_total",
			Help: "Connections removed because their outbound buffer filled",
		},
	)

	// HubDeadConnectionsEvicted tracks connections removed by the heartbeat scheduler
	HubDeadConnectionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_dead_connections_evicted_total",
			Help: "Connections removed by the heartbeat scheduler after ping timeout",
		},
	)
)

// Poller metrics
var (
	// PollerFetchDuration tracks upstream fetch latency by topic
	PollerFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poller_fetch_duration_seconds",
			Help:    "Upstream fetch duration in seconds by topic",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"topic"},
	)

	// PollerFetchErrors tracks failed upstream fetches by topic
	PollerFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_fetch_errors_total",
			Help: "Failed upstream fetches by topic",
		},
		[]string{"topic"},
	)

	// PollerCacheSize tracks cache entries held per topic
	PollerCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poller_cache_size",
			Help: "Cache entries held per topic (including expired, pending eviction)",
		},
		[]string{"topic"},
	)

	// PollerSubscribers tracks interest-set size per topic
	PollerSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poller_subscribers",
			Help: "Number of subscribed connections per topic",
		},
		[]string{"topic"},
	)
)

// Upstream client metrics
var (
	// UpstreamRequestsTotal tracks upstream exchange API requests by endpoint and status
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Upstream exchange API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	// UpstreamBreakerState tracks the upstream circuit breaker state (0=closed, 1=half-open, 2=open)
	UpstreamBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// Cache metrics
var (
	// CacheEvictions tracks expired entries removed by eviction sweeps
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Expired cache entries removed by eviction sweeps, by topic",
		},
		[]string{"topic"},
	)
)
