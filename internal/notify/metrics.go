package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "offline0_notifications_total",
		Help: "Total number of notification events",
	},
	[]string{"event"}, // "shown", "closed", "acknowledged", "deferred", "reshown", "focused", "opened"
)
