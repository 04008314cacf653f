package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler loop metrics

	// MessagesSent tracks total outbox messages sent successfully
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broadcastengine",
			Subsystem: "scheduler",
			Name:      "sent_total",
			Help:      "Total outbox messages sent successfully",
		},
		[]string{"campaign_id"},
	)

	// MessagesFailed tracks total outbox messages that reached a permanent
	// failure state
	MessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broadcastengine",
			Subsystem: "scheduler",
			Name:      "failed_total",
			Help:      "Total outbox messages that reached a permanent failure state",
		},
		[]string{"campaign_id", "reason"},
	)

	// MessagesRetried tracks total retry scheduling decisions
	MessagesRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broadcastengine",
			Subsystem: "scheduler",
			Name:      "retries_total",
			Help:      "Total outbox messages scheduled for retry",
		},
		[]string{"campaign_id"},
	)

	// ActiveCampaigns tracks campaigns currently in the running status
	ActiveCampaigns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broadcastengine",
			Subsystem: "scheduler",
			Name:      "active_campaigns",
			Help:      "Number of campaigns currently running",
		},
	)

	// PendingMessages tracks outbox rows still awaiting delivery
	PendingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broadcastengine",
			Subsystem: "scheduler",
			Name:      "pending_messages",
			Help:      "Number of outbox messages awaiting delivery across all campaigns",
		},
	)

	// TickDuration tracks the wall-clock time of one full scheduler tick
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "broadcastengine",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Time to complete one scheduler tick (lift, dispatch, complete)",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// WorkerHasLock reports whether this replica currently holds the
	// worker lock. 0 = not holding, 1 = holding.
	WorkerHasLock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broadcastengine",
			Subsystem: "scheduler",
			Name:      "worker_has_lock",
			Help:      "Whether this replica currently holds the scheduler lock (0/1)",
		},
	)

	// LockAcquireAttempts tracks lock acquisition attempts by outcome
	LockAcquireAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broadcastengine",
			Subsystem: "scheduler",
			Name:      "lock_acquire_attempts_total",
			Help:      "Total worker lock acquisition attempts",
		},
		[]string{"result"}, // acquired, refreshed, denied, error
	)

	// Gateway (Telegram API client) metrics

	// GatewayRequests tracks Telegram Bot API calls by method and outcome
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broadcastengine",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total Telegram Bot API calls",
		},
		[]string{"method", "outcome"}, // method: sendMessage, sendPhoto; outcome: ok, retry, permanent
	)

	// GatewayRequestDuration tracks Telegram Bot API call latency
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "broadcastengine",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Telegram Bot API call duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// GatewayCircuitBreakerState tracks the gateway's circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	GatewayCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "broadcastengine",
			Subsystem: "gateway",
			Name:      "circuit_breaker_state",
			Help:      "Gateway circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// GatewayCircuitBreakerTrips counts circuit breaker trip events
	GatewayCircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broadcastengine",
			Subsystem: "gateway",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total gateway circuit breaker trip events",
		},
	)

	// GatewayRateLimitWaits counts times the rate limiter delayed a send
	GatewayRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "broadcastengine",
			Subsystem: "gateway",
			Name:      "rate_limit_waits_total",
			Help:      "Total sends delayed by the global rate limiter",
		},
	)

	// Admin HTTP surface metrics

	// HTTPRequestsTotal tracks admin HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broadcastengine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks admin HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "broadcastengine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants, shared with the gauge label convention
// above.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
