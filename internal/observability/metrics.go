package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_created_total", Help: "Total number of rides created"})
	RideTransitions  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Committed ride transitions by target status"}, []string{"to"})
	RideRejections   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_rejections_total", Help: "Rejected ride operations by reason"}, []string{"op", "reason"})
	CaptainsNotified = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "captains_notified", Help: "Captains sent a new-ride event per ride", Buckets: []float64{0, 1, 2, 4, 8, 16, 32}})
	DiscoveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "discovery_latency_seconds", Help: "Captain discovery latency seconds"})
	CaptainsOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "captains_online", Help: "Number of active captains in the presence registry"})

	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_delivered_total", Help: "Events written to a live connection"}, []string{"event"})
	NotificationsDropped   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_dropped_total", Help: "Events dropped because the recipient was unreachable"}, []string{"event", "reason"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "provider_calls_total", Help: "Map provider calls by provider, operation and outcome"}, []string{"provider", "op", "outcome"})
	OtpFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "otp_failures_total", Help: "Start attempts rejected for a wrong OTP"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_connections", Help: "Open websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
