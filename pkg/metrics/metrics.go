package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for chathub.
// Using promauto for automatic registration with default registry.
var (
	// --- Election Metrics ---

	// ElectionTransitions counts election state changes by target state.
	ElectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "election",
			Name:      "transitions_total",
			Help:      "Total number of election state transitions",
		},
		[]string{"state"},
	)

	// IsLeader is 1 while this instance holds the smallest candidacy.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chathub",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "Whether this instance is the current leader",
		},
	)

	// --- Session Metrics ---

	// SessionEvents counts session state notifications.
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Total number of session state events",
		},
		[]string{"state"},
	)

	// SessionsOpened counts sessions opened per endpoint.
	SessionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Total number of sessions opened",
		},
		[]string{"endpoint"},
	)

	// DialFailures counts failed session opens per endpoint.
	DialFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "session",
			Name:      "dial_failures_total",
			Help:      "Total number of failed session opens",
		},
		[]string{"endpoint"},
	)

	// --- Watch Metrics ---

	// WatchFires counts one-shot watch notifications.
	WatchFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "watch",
			Name:      "fires_total",
			Help:      "Total number of watch notifications",
		},
		[]string{"kind"},
	)

	// WatchDispatches counts handler invocations after a non-empty diff.
	WatchDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "watch",
			Name:      "dispatches_total",
			Help:      "Total number of changes dispatched to handlers",
		},
		[]string{"kind"},
	)

	// WatchRearms counts full rearm passes.
	WatchRearms = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "watch",
			Name:      "rearms_total",
			Help:      "Total number of full rearm passes",
		},
	)

	// Subscriptions tracks live subscriptions.
	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chathub",
			Subsystem: "watch",
			Name:      "subscriptions",
			Help:      "Number of live watch subscriptions",
		},
	)

	// --- Write Metrics ---

	// Writes counts domain writes by route and outcome.
	Writes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "writes",
			Name:      "total",
			Help:      "Total number of namespace writes by route and outcome",
		},
		[]string{"write", "route", "outcome"},
	)

	// WriteDuration tracks end-to-end write latency.
	WriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chathub",
			Subsystem: "writes",
			Name:      "duration_seconds",
			Help:      "Duration of namespace writes in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"route"},
	)

	// --- Endpoint Metrics ---

	// EndpointUp is 1 when the last probe of an endpoint succeeded.
	EndpointUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chathub",
			Subsystem: "endpoint",
			Name:      "up",
			Help:      "Whether the endpoint answered the last health probe",
		},
		[]string{"endpoint"},
	)

	// BreakerState exposes the circuit state per endpoint (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chathub",
			Subsystem: "endpoint",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per endpoint",
		},
		[]string{"endpoint"},
	)

	// --- Notification Metrics ---

	// Notifications counts events delivered to sinks.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Total number of notifications by event and sink",
		},
		[]string{"event", "sink"},
	)

	// NotifyQueueDepth tracks events waiting in the async dispatcher.
	NotifyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chathub",
			Subsystem: "notify",
			Name:      "queue_depth",
			Help:      "Number of notifications waiting for dispatch",
		},
	)

	// --- HTTP Metrics ---

	// HTTPRequests counts ops API requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chathub",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chathub",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPInFlight tracks requests being served.
	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chathub",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// RecordWrite records metrics for a completed write.
func RecordWrite(write, route, outcome string, durationSeconds float64) {
	Writes.WithLabelValues(write, route, outcome).Inc()
	WriteDuration.WithLabelValues(route).Observe(durationSeconds)
}

// RecordLeadership updates the leader gauge.
func RecordLeadership(leader bool) {
	if leader {
		IsLeader.Set(1)
		return
	}
	IsLeader.Set(0)
}
