package intercept

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_requests_total",
			Help: "Total number of intercepted requests by outcome",
		},
		[]string{"outcome"}, // "hit", "miss", "network", "fallback", "bypass", "unavailable", "bad-gateway"
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offline0_fetch_duration_seconds",
			Help:    "Duration of network attempts made on behalf of intercepted requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	storeWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_store_writes_total",
			Help: "Total number of detached store writes",
		},
		[]string{"result"}, // "ok", "dropped", "failed"
	)
)
