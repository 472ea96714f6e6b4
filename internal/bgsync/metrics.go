package bgsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var wakesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "offline0_sync_wakes_total",
		Help: "Total number of background sync wake-ups",
	},
	[]string{"result"}, // "ok", "failed", "unhandled"
)
