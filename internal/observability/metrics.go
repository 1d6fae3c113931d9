package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet_dispatch"

var (
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch invocations by outcome"},
		[]string{"outcome"},
	)
	DispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_failures_total", Help: "DispatchFailed events by reason"},
		[]string{"reason"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Dispatch handling latency seconds"})

	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_candidates",
		Help:      "Eligible drivers returned per adhoc match",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by mode, channel and result"},
		[]string{"mode", "channel", "result"},
	)

	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "queue_jobs_total", Help: "Queue job executions by kind and result"},
		[]string{"kind", "result"},
	)

	SimulatedWaypoints   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "simulated_waypoints_total", Help: "Waypoints reached by route simulations"})
	SimulationsAbandoned = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "simulations_abandoned_total", Help: "Route simulations abandoned before the last waypoint"})

	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates by source"},
		[]string{"source"},
	)

	EventsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_relayed_total", Help: "Domain events relayed by sink and result"},
		[]string{"sink", "result"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Domain events dropped for a lagging subscriber"},
		[]string{"event"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
