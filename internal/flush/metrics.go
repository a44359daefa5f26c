package flush

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "viewsync"
	subsystem = "flush"

	flushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Total number of flush operations by view type and outcome",
		},
		[]string{"view_type", "outcome"},
	)

	flushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Duration of flush operations in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"view_type"},
	)

	statementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "statements_total",
			Help:      "Total number of statements sent to the store by kind",
		},
		[]string{"kind"},
	)

	optimisticLockTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "optimistic_lock_conflicts_total",
			Help:      "Total number of optimistic lock conflicts by entity",
		},
		[]string{"entity"},
	)

	templateLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "template_cache_lookups_total",
			Help:      "Reduced update statement cache lookups by result",
		},
		[]string{"result"},
	)

	restoreFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rollback_restore_failures_total",
			Help:      "Total number of views whose state could not be restored on rollback",
		},
	)
)

// Statement kinds for statementsTotal.
const (
	kindUpdate     = "update"
	kindCollection = "collection"
	kindMerge      = "merge"
	kindRemove     = "remove"
	kindLoad       = "load"
)

// RecordFlush counts a finished flush and observes its duration. outcome
// is an Outcome name or "failed".
func RecordFlush(viewType, outcome string, d time.Duration) {
	flushTotal.WithLabelValues(viewType, outcome).Inc()
	flushDuration.WithLabelValues(viewType).Observe(d.Seconds())
}
