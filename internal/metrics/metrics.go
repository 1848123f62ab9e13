// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kinderboard"

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

// Relay metrics
var (
	// CodecFailures counts values the codec refused, by endpoint and by
	// where the value came from ("cookie" or "body").
	CodecFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codec_failures_total",
			Help:      "Total number of cookie or body values that failed to decrypt",
		},
		[]string{"endpoint", "source"},
	)

	SessionsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_issued_total",
			Help:      "Total number of sessions written by set-cookie",
		},
		[]string{"scope"}, // "persistent" or "session"
	)

	AutoLoginWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_login_writes_total",
			Help:      "Total number of auto-login cookies written",
		},
		[]string{"outcome"}, // "created", "renewed" or "replaced"
	)

	Logouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Total number of clear-cookie calls",
		},
		[]string{"stop_marker"},
	)

	KeyRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Total number of codec key rotations applied at runtime",
		},
	)
)

// Broadcast and audit metrics
var (
	SessionEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_published_total",
			Help:      "Total number of session events published to the broadcast hub",
		},
		[]string{"type"},
	)

	SessionEventStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_event_streams",
			Help:      "Current number of open session-event streams",
		},
	)

	AuditWebhookDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_webhook_dropped_total",
			Help:      "Total number of audit events dropped because the webhook queue was full",
		},
	)
)
