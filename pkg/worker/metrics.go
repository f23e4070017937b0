package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crs",
		Subsystem: "worker",
		Name:      "messages_total",
		Help:      "Deliveries processed, labeled by queue and outcome.",
	}, []string{"queue", "outcome"})

	handleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crs",
		Subsystem: "worker",
		Name:      "handle_duration_seconds",
		Help:      "Stage handler wall time per delivery.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10),
	}, []string{"queue"})
)

func observe(queue, outcome string, elapsed time.Duration) {
	messagesTotal.WithLabelValues(queue, outcome).Inc()
	if elapsed > 0 {
		handleDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
	}
}
