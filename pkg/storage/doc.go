/*
Package storage provides the Persistence Interface (spec §6): a Store
interface and a BoltDB-backed implementation, one bucket per entity.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  BoltStore                                                │
	│   - File: <dataDir>/conductor.db                          │
	│   - Transactions: ACID via bbolt, fsync on commit         │
	│                                                            │
	│  Buckets (one per §3 entity):                             │
	│    instances       (Instance ID)                         │
	│    tasks           (Task ID)                              │
	│    attempts        (Task ID + attempt index)             │
	│    tenant_budgets  (tenant ID + scope)                    │
	│    breaker_states  (breaker key)                          │
	│    audit_log       (zero-padded seq for lexical order)    │
	└────────────────────────────────────────────────────────┘

# Usage

	store, err := storage.NewBoltStore(dataDir)
	...
	defer store.Close()

	err = store.UpdateInstance(inst)
	inst, err = store.GetInstance(id)
	instances, err := store.ListInstances()

# Design Patterns

Upsert: Create and Update share one Put call — no separate existence
check needed. Deletes are idempotent: no error if the key is absent.
Secondary lookups (TasksByInstance, TerminalTasksOlderThan) are full
bucket scans filtered in memory, matching the expected entity counts for
a single control-plane node; pkg/registry keeps its own inverted index
for the hot capability-filter path instead of pushing that query into
storage.

This package is consumed, not replicated: Raft (pkg/core) owns
replication of the command log that produces these writes; BoltStore
itself only durably persists one node's applied state.
*/
package storage
