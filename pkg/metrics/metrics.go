// Package metrics is Conductor's Telemetry Interface (spec §6): the
// counters, gauges, and histograms every subsystem reports against.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task lifecycle counters.
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_submitted_total",
			Help: "Total tasks submitted, by tenant",
		},
		[]string{"tenant"},
	)

	TasksAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_admitted_total",
			Help: "Total tasks admitted past the budget/quota gate",
		},
		[]string{"tenant"},
	)

	TasksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_rejected_total",
			Help: "Total tasks rejected at admission, by reason",
		},
		[]string{"tenant", "reason"},
	)

	TasksTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_terminal_total",
			Help: "Total tasks reaching a terminal state, by state",
		},
		[]string{"tenant", "state"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_attempts_total",
			Help: "Total dispatch attempts, by runtime kind and outcome",
		},
		[]string{"runtime_kind", "outcome"},
	)

	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_circuit_transitions_total",
			Help: "Total circuit breaker state transitions, by key and to-state",
		},
		[]string{"key", "to_state"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_events_dropped_total",
			Help: "Total events dropped for a subscriber, by reason",
		},
		[]string{"reason"},
	)

	BudgetAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_budget_alerts_total",
			Help: "Total budget threshold alerts emitted, by tenant and threshold",
		},
		[]string{"tenant", "threshold"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_reconciliation_cycles_total",
			Help: "Total reconciliation sweeps run",
		},
	)

	// Gauges.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_queue_depth",
			Help: "Current queue depth per tenant and priority class",
		},
		[]string{"tenant", "priority"},
	)

	InstanceHealthCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_instance_health_count",
			Help: "Number of registered instances by health state",
		},
		[]string{"state"},
	)

	GlobalUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_global_utilization",
			Help: "Fraction of global active sessions over global capacity",
		},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	// Histograms.
	AdmissionToDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_admission_to_dispatch_latency_seconds",
			Help:    "Latency from Admitted to Dispatched",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchToStartLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_dispatch_to_start_latency_seconds",
			Help:    "Latency from Dispatched to Running",
			Buckets: prometheus.DefBuckets,
		},
	)

	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_attempt_duration_seconds",
			Help:    "Attempt duration, by runtime kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime_kind"},
	)

	EndToEndLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_end_to_end_latency_seconds",
			Help:    "Latency from submission to terminal state, by terminal state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_reconciliation_duration_seconds",
			Help:    "Duration of a reconciliation sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_raft_apply_duration_seconds",
			Help:    "Duration of a Raft Apply round trip for a committed command",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksSubmittedTotal,
		TasksAdmittedTotal,
		TasksRejectedTotal,
		TasksTerminalTotal,
		AttemptsTotal,
		CircuitTransitionsTotal,
		EventsDroppedTotal,
		BudgetAlertsTotal,
		QueueDepth,
		InstanceHealthCount,
		GlobalUtilization,
		RaftLeader,
		RaftLogIndex,
		AdmissionToDispatchLatency,
		DispatchToStartLatency,
		AttemptDuration,
		EndToEndLatency,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		RaftApplyDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
