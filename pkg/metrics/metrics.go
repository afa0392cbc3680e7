package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_relay_connections_total",
			Help: "Total number of SMTP connections accepted",
		},
		[]string{"listener"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smtp_relay_connections_current",
			Help: "Current number of active SMTP sessions",
		},
		[]string{"listener"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_relay_connections_rejected_total",
			Help: "Connections rejected before a session started",
		},
		[]string{"listener", "reason"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtp_relay_connection_duration_seconds",
			Help:    "Duration of SMTP sessions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"listener"},
	)

	// SessionsEnded outcomes: quit, rejected, closed, timeout, tls_error, error, panic.
	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_relay_sessions_ended_total",
			Help: "Sessions by outcome",
		},
		[]string{"outcome"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_relay_authentication_attempts_total",
			Help: "Total number of AUTH attempts",
		},
		[]string{"mechanism", "result"},
	)
)

// Relay metrics
var (
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_relay_messages_total",
			Help: "Messages submitted to the email API",
		},
		[]string{"result"},
	)

	MessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smtp_relay_message_size_bytes",
			Help:    "Size of accepted DATA payloads",
			Buckets: []float64{1024, 4096, 16384, 65536, 131072, 204800, 1048576},
		},
	)

	SendersRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtp_relay_senders_rejected_total",
			Help: "MAIL FROM addresses rejected by the authorization policy",
		},
	)
)

// Backend metrics
var (
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_relay_backend_requests_total",
			Help: "Email API RPCs by method and status",
		},
		[]string{"method", "status"},
	)

	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtp_relay_backend_request_duration_seconds",
			Help:    "Email API RPC latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smtp_relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Token cache metrics
var (
	TokenCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtp_relay_token_cache_hits_total",
			Help: "Logins answered from the token cache",
		},
	)

	TokenCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtp_relay_token_cache_misses_total",
			Help: "Logins that required a backend token request",
		},
	)

	TokenCacheRefreshesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtp_relay_token_cache_refreshes_total",
			Help: "Cached tokens replaced because they were about to expire",
		},
	)

	TokenCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtp_relay_token_cache_entries",
			Help: "Number of tokens held in the cache",
		},
	)

	TokenCacheHitRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtp_relay_token_cache_hit_rate",
			Help: "Token cache hit rate percentage",
		},
	)
)

// Health check metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smtp_relay_component_health_status",
			Help: "Health status of components (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_relay_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtp_relay_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"component"},
	)
)
