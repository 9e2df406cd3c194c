// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conductor"

var (
	// SpansAppended counts committed span records.
	// Labels: layer, status
	SpansAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spans",
			Name:      "appended_total",
			Help:      "Total number of span records appended to the log",
		},
		[]string{"layer", "status"},
	)

	// SpansDuplicate counts appends ignored because (run_id, span_id) was already present.
	SpansDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spans",
			Name:      "duplicate_total",
			Help:      "Total number of duplicate span appends treated as no-ops",
		},
	)

	// HeartbeatsDropped counts heartbeats discarded because the queue was full.
	HeartbeatsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spans",
			Name:      "heartbeats_dropped_total",
			Help:      "Total number of heartbeats dropped under load",
		},
	)

	// ActiveRuns is the size of the active-run index.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "spans",
			Name:      "active_runs",
			Help:      "Number of runs with at least one non-terminal span",
		},
	)

	// FailuresTotal counts failed spans by reason kind.
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "failures",
			Name:      "total",
			Help:      "Total number of failed spans by reason kind",
		},
		[]string{"reason_kind"},
	)

	// StuckRuns is the number of runs in the last stuck projection.
	StuckRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "stuck_runs",
			Help:      "Number of active runs whose last activity exceeds the stuck threshold",
		},
	)

	// AgentsByStatus tracks watched agents by watchdog status.
	// Labels: status (healthy, stale, triggered)
	AgentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "agents",
			Help:      "Number of watched agents by status",
		},
		[]string{"status"},
	)

	// PatrolsTriggered counts patrol hand-offs.
	// Labels: source (sweep, manual), result (success, error)
	PatrolsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "patrols_total",
			Help:      "Total number of patrol actions handed off",
		},
		[]string{"source", "result"},
	)

	// SeatsOccupied is the number of auto-dispatched seats in use.
	SeatsOccupied = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "seats_occupied",
			Help:      "Number of seats occupied by auto-dispatched runs",
		},
	)

	// Admissions counts dispatcher hand-offs.
	// Labels: result (success, error)
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "admissions_total",
			Help:      "Total number of tasks admitted into a seat",
		},
		[]string{"result"},
	)

	// TickErrors counts periodic loop ticks that returned an error or panicked.
	// Labels: loop
	TickErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tick_errors_total",
			Help:      "Total number of failed ticks per periodic loop",
		},
		[]string{"loop"},
	)

	// AreaLocks is the number of areas currently locked, by reason.
	// Labels: reason (fifo, in_progress)
	AreaLocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arealock",
			Name:      "locks",
			Help:      "Number of locked work areas by lock reason",
		},
		[]string{"reason"},
	)
)

// RecordAdmission records the outcome of a dispatcher hand-off.
func RecordAdmission(success bool) {
	if success {
		Admissions.WithLabelValues("success").Inc()
	} else {
		Admissions.WithLabelValues("error").Inc()
	}
}

// RecordPatrol records the outcome of a patrol hand-off.
func RecordPatrol(source string, success bool) {
	if success {
		PatrolsTriggered.WithLabelValues(source, "success").Inc()
	} else {
		PatrolsTriggered.WithLabelValues(source, "error").Inc()
	}
}
