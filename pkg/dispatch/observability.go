package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findings_scheduler_dispatch_total",
			Help: "Total number of task dispatch attempts",
		},
		[]string{"target", "status"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "findings_scheduler_dispatch_duration_seconds",
			Help:    "Duration of a single task dispatch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	dispatchInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "findings_scheduler_dispatch_inflight",
			Help: "Current number of in-flight task dispatches",
		},
		[]string{"target"},
	)
)

func recordDispatch(target, status string, elapsed time.Duration) {
	target = normalizeDispatchLabel(target)
	dispatchTotal.WithLabelValues(target, normalizeDispatchLabel(status)).Inc()
	dispatchDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

func incrementDispatchInFlight(target string) {
	dispatchInFlight.WithLabelValues(normalizeDispatchLabel(target)).Inc()
}

func decrementDispatchInFlight(target string) {
	dispatchInFlight.WithLabelValues(normalizeDispatchLabel(target)).Dec()
}
