package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts intercepted requests by policy and outcome
	// (hit, network, fallback, offline).
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_worker_requests_total",
			Help: "Total number of intercepted requests by caching policy and outcome",
		},
		[]string{"policy", "outcome"},
	)

	RevalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_worker_revalidations_total",
			Help: "Total number of background revalidations by result",
		},
		[]string{"result"},
	)

	BucketsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_worker_buckets_evicted_total",
			Help: "Total number of stale buckets deleted on activation",
		},
	)

	LifecycleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_worker_lifecycle_events_total",
			Help: "Total number of dispatched lifecycle events by kind and result",
		},
		[]string{"kind", "result"},
	)

	// BreakerState is the origin circuit breaker state (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_worker_breaker_state",
			Help: "Origin circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
