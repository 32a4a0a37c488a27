// Package storage is Conductor's Persistence Interface (spec §6): a narrow
// interface for durable Instance/Task/Attempt/TenantBudget/BreakerState/
// AuditEntry state, consumed by the core and not owned by it.
package storage

import (
	"time"

	"github.com/cuemby/conductor/pkg/types"
)

// Store defines durable state access. It is implemented by a BoltDB-backed
// store. Most mutations are driven by already-committed Commands applied
// by the Raft FSM (pkg/core); AppendAuditEntry (called by pkg/audit) and
// DeleteTask (called by Core.DeleteTask) are called directly instead.
type Store interface {
	// Instances
	CreateInstance(i *types.Instance) error
	GetInstance(id string) (*types.Instance, error)
	ListInstances() ([]*types.Instance, error)
	UpdateInstance(i *types.Instance) error
	DeleteInstance(id string) error

	// Tasks
	CreateTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	UpdateTask(t *types.Task) error
	DeleteTask(id string) error
	TasksByInstance(instanceID string) ([]*types.Task, error)
	TerminalTasksOlderThan(cutoff time.Time) ([]*types.Task, error)

	// Attempts
	CreateAttempt(a *types.Attempt) error
	ListAttemptsByTask(taskID string) ([]*types.Attempt, error)

	// TenantBudgets
	UpsertTenantBudget(b *types.TenantBudget) error
	GetTenantBudget(tenantID string, scope types.BudgetScope) (*types.TenantBudget, error)
	ListTenantBudgets() ([]*types.TenantBudget, error)

	// BreakerStates
	UpsertBreakerState(s *types.BreakerState) error
	GetBreakerState(key string) (*types.BreakerState, error)
	ListBreakerStates() ([]*types.BreakerState, error)

	// Audit log
	AppendAuditEntry(e *types.AuditEntry) error
	ListAuditEntries(entityKind, entityID string) ([]*types.AuditEntry, error)

	Close() error
}
