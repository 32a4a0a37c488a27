/*
Package metrics implements Conductor's Telemetry Interface (spec §6):
counters, gauges, and histograms registered with the Prometheus default
registry at package init, plus a Timer helper for histogram observations.

# Metrics Catalog

Counters: conductor_tasks_submitted_total{tenant}, _admitted_total{tenant},
_rejected_total{tenant,reason}, _terminal_total{tenant,state}, conductor_attempts_total
{runtime_kind,outcome}, conductor_circuit_transitions_total{key,to_state},
conductor_events_dropped_total{reason}, conductor_budget_alerts_total
{tenant,threshold}, conductor_reconciliation_cycles_total.

Gauges: conductor_queue_depth{tenant,priority}, conductor_instance_health_count
{state}, conductor_global_utilization, conductor_raft_is_leader,
conductor_raft_log_index.

Histograms: conductor_admission_to_dispatch_latency_seconds,
_dispatch_to_start_latency_seconds, conductor_attempt_duration_seconds
{runtime_kind}, conductor_end_to_end_latency_seconds{state},
conductor_reconciliation_duration_seconds, conductor_raft_apply_duration_seconds.

# Usage

	metrics.TasksSubmittedTotal.WithLabelValues(tenant).Inc()

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.AdmissionToDispatchLatency)

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

All metrics are package-level vars registered once in init(); callers
never construct or register a metric themselves. Labels are mostly
bounded-cardinality dimensions (tenant, state, reason, runtime kind) and
never carry task IDs. The exception is conductor_circuit_transitions_total,
whose key label is the breaker key "kind/instanceID" and so grows with the
number of instances.
*/
package metrics
