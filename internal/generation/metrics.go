package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	installsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_generation_installs_total",
			Help: "Total number of generation installs",
		},
		[]string{"result"}, // "ok", "failed"
	)

	installDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offline0_generation_install_duration_seconds",
			Help:    "Time spent populating a generation from its manifest",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	activationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline0_generation_activations_total",
			Help: "Total number of generation activations",
		},
	)

	deletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_store_deletes_total",
			Help: "Total number of stale store deletions",
		},
		[]string{"result"}, // "ok", "failed"
	)
)
