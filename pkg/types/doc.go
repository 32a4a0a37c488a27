/*
Package types defines the durable data model shared across Conductor's
subsystems: the entities named in spec §3 and the enums that drive their
state machines.

# Core Types

Instance: a registered worker host — endpoint, capability tags, resource
ceilings, region, declared runtime kinds, HealthStatus, LoadSnapshot.

Task: a client-submitted unit of work — tenant, affinity key, priority,
deadline, required capabilities, retry policy, budget ceiling. TaskState
moves Queued → Admitted → Dispatched → Running → terminal, with two
exceptions: a Queued Task can fail at admission, and a transient failure
moves a Running Task back to Dispatched. Terminal reports whether a state
is absorbing.

Attempt: a per-dispatch record within a Task — instance, runtime kind,
outcome, error class, observed cost.

TenantBudget / Quota: cost ceiling and concurrency ceiling, both enforced
by the Budget & Quota Gate (pkg/budget). The Gate owns TenantBudget
records; Quota records come from a quota source the Gate consults.

BreakerState: the Circuit Breaker's (pkg/breaker) per-key durable record.

AuditEntry: an append-only state-transition record keyed by a monotonic
seq (pkg/audit).

# Design Patterns

Enums are typed string constants, not iota ints, so persisted JSON stays
human-readable across schema versions. Every durable entity carries a
SchemaVersion field (spec §6) for forward-compatible migrations.
*/
package types
