package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"surface", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"surface"},
	)

	GatewayAuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_gateway_auth_failures_total",
			Help: "Gateway requests rejected by the instance secret check",
		},
		[]string{"instance"},
	)

	AggregatorLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_aggregator_lookups_total",
			Help: "Windowed statistics lookups by cache result",
		},
		[]string{"kind", "result"},
	)

	UsageEventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_usage_events_recorded_total",
			Help: "Usage events appended to the log",
		},
		[]string{"type"},
	)

	AbilitiesGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_abilities_granted_total",
			Help: "Ability rows touched by batch grants",
		},
		[]string{"outcome"},
	)
)

// Aggregator cache results.
const (
	ResultHit      = "hit"
	ResultRedisHit = "redis_hit"
	ResultMiss     = "miss"
	ResultBypass   = "bypass"
)
