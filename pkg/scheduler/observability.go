package scheduler

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findings_scheduler_cycles_total",
			Help: "Total number of scheduling cycles by final status",
		},
		[]string{"status"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "findings_scheduler_cycle_duration_seconds",
			Help:    "Duration of a scheduling cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	providersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findings_scheduler_providers_total",
			Help: "Providers seen by the reconciler, by class",
		},
		[]string{"class"},
	)

	persistedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "findings_scheduler_persisted_rows_total",
			Help: "Lock rows written before dispatch",
		},
	)

	skippedTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "findings_scheduler_skipped_ticks_total",
			Help: "Schedule ticks skipped because a cycle was still running",
		},
	)
)

func recordCycle(status string, elapsed time.Duration) {
	cycleTotal.WithLabelValues(normalizeSchedulerLabel(status)).Inc()
	cycleDuration.Observe(elapsed.Seconds())
}

func recordProviders(class Class, count int) {
	if count <= 0 {
		return
	}
	providersTotal.WithLabelValues(normalizeSchedulerLabel(string(class))).Add(float64(count))
}

func recordPersistedRows(count int) {
	persistedRowsTotal.Add(float64(count))
}

func recordSkippedTick() {
	skippedTicksTotal.Inc()
}

func normalizeSchedulerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
