package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/conductor/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInstanceCRUD(t *testing.T) {
	store := newTestStore(t)

	inst := &types.Instance{ID: "i1", Endpoint: "http://i1:8080"}
	require.NoError(t, store.CreateInstance(inst))

	got, err := store.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, "http://i1:8080", got.Endpoint)

	got.Endpoint = "http://i1:9090"
	require.NoError(t, store.UpdateInstance(got))

	reloaded, err := store.GetInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, "http://i1:9090", reloaded.Endpoint)

	all, err := store.ListInstances()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteInstance("i1"))
	_, err = store.GetInstance("i1")
	assert.Error(t, err)
}

func TestTaskCRUDAndQueries(t *testing.T) {
	store := newTestStore(t)

	running := &types.Task{ID: "t1", AssignedInstanceID: "i1", State: types.TaskRunning}
	require.NoError(t, store.CreateTask(running))

	oldTerminal := &types.Task{ID: "t2", State: types.TaskSucceeded, TerminalAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.CreateTask(oldTerminal))

	recentTerminal := &types.Task{ID: "t3", State: types.TaskFailed, TerminalAt: time.Now()}
	require.NoError(t, store.CreateTask(recentTerminal))

	byInstance, err := store.TasksByInstance("i1")
	require.NoError(t, err)
	require.Len(t, byInstance, 1)
	assert.Equal(t, "t1", byInstance[0].ID)

	stale, err := store.TerminalTasksOlderThan(time.Now().Add(-30 * time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "t2", stale[0].ID)

	require.NoError(t, store.DeleteTask("t2"))
	all, err := store.ListTasks()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAttemptCreateAndListByTask(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateAttempt(&types.Attempt{TaskID: "t1", Index: 1, RuntimeKind: types.RuntimeMicroVM}))
	require.NoError(t, store.CreateAttempt(&types.Attempt{TaskID: "t1", Index: 2, RuntimeKind: types.RuntimeHostSandbox}))
	require.NoError(t, store.CreateAttempt(&types.Attempt{TaskID: "t2", Index: 1, RuntimeKind: types.RuntimeMicroVM}))

	attempts, err := store.ListAttemptsByTask("t1")
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestTenantBudgetUpsertAndGet(t *testing.T) {
	store := newTestStore(t)

	b := &types.TenantBudget{TenantID: "tenant-a", Scope: types.BudgetDaily, Limit: 10}
	require.NoError(t, store.UpsertTenantBudget(b))

	got, err := store.GetTenantBudget("tenant-a", types.BudgetDaily)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Limit)

	b.Limit = 20
	require.NoError(t, store.UpsertTenantBudget(b))

	got, err = store.GetTenantBudget("tenant-a", types.BudgetDaily)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.Limit)

	all, err := store.ListTenantBudgets()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBreakerStateUpsertAndList(t *testing.T) {
	store := newTestStore(t)

	s := &types.BreakerState{Key: "microvm", State: types.BreakerOpen, FailureCount: 3}
	require.NoError(t, store.UpsertBreakerState(s))

	got, err := store.GetBreakerState("microvm")
	require.NoError(t, err)
	assert.Equal(t, types.BreakerOpen, got.State)

	all, err := store.ListBreakerStates()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAuditEntryAppendAndFilteredList(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AppendAuditEntry(&types.AuditEntry{Seq: 1, EntityKind: "task", EntityID: "t1"}))
	require.NoError(t, store.AppendAuditEntry(&types.AuditEntry{Seq: 2, EntityKind: "task", EntityID: "t2"}))
	require.NoError(t, store.AppendAuditEntry(&types.AuditEntry{Seq: 3, EntityKind: "instance", EntityID: "i1"}))

	taskEntries, err := store.ListAuditEntries("task", "t1")
	require.NoError(t, err)
	require.Len(t, taskEntries, 1)
	assert.EqualValues(t, 1, taskEntries[0].Seq)

	all, err := store.ListAuditEntries("", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
