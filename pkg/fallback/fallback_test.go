package fallback

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/conductor/pkg/breaker"
	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/lifecycle"
	"github.com/cuemby/conductor/pkg/runtime"
	"github.com/cuemby/conductor/pkg/types"
)

type fakeProvider struct {
	kind      types.RuntimeKind
	spawnErr  error
	execErr   error
	execDurMs int64
}

func (p *fakeProvider) Kind() types.RuntimeKind            { return p.kind }
func (p *fakeProvider) Capabilities() runtime.Capabilities { return runtime.Capabilities{} }
func (p *fakeProvider) Spawn(ctx context.Context, cfg runtime.SpawnConfig) (*runtime.Session, error) {
	if p.spawnErr != nil {
		return nil, p.spawnErr
	}
	return &runtime.Session{ID: "sess-1"}, nil
}
func (p *fakeProvider) Execute(ctx context.Context, sess *runtime.Session, command []string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
	if p.execErr != nil {
		return nil, p.execErr
	}
	return &runtime.ExecResult{ExitCode: 0, DurationMs: p.execDurMs}, nil
}
func (p *fakeProvider) ExecuteStream(ctx context.Context, sess *runtime.Session, command []string) (<-chan runtime.StreamEvent, error) {
	return nil, cerrors.New(cerrors.PermanentProvider, "not supported")
}
func (p *fakeProvider) HealthCheck(ctx context.Context, sess *runtime.Session) (types.HealthStatus, error) {
	return types.HealthStatus{State: types.HealthHealthy}, nil
}
func (p *fakeProvider) Snapshot(ctx context.Context, sess *runtime.Session) (*runtime.SnapshotHandle, error) {
	return nil, cerrors.New(cerrors.PermanentProvider, "not supported")
}
func (p *fakeProvider) Restore(ctx context.Context, handle *runtime.SnapshotHandle) (*runtime.Session, error) {
	return nil, cerrors.New(cerrors.PermanentProvider, "not supported")
}
func (p *fakeProvider) Destroy(ctx context.Context, sess *runtime.Session) error { return nil }

type fakeFinder struct {
	err error
}

func (f *fakeFinder) PickForKind(task *types.Task, kind types.RuntimeKind) (*types.Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Instance{ID: "inst-" + string(kind)}, nil
}

type fakePolicy struct {
	blockKind types.RuntimeKind
}

func (p *fakePolicy) AllowedRuntimeKinds(tenantID string, task *types.Task) []types.RuntimeKind {
	return nil
}

func (p *fakePolicy) MayFallbackTo(task *types.Task, kind types.RuntimeKind) bool {
	return kind != p.blockKind
}

type fakeRecorder struct {
	attempts []*types.Attempt
}

func (r *fakeRecorder) RecordAttempt(a *types.Attempt) error {
	r.attempts = append(r.attempts, a)
	return nil
}

type noopApplier struct{}

func (noopApplier) Apply(op string, data []byte) error { return nil }

// taskRecorder is the Lifecycle Engine's Applier in tests: it keeps the
// last task record persisted for each task id, which is the only place a
// terminal state remains visible once the Engine has retired the actor.
type taskRecorder struct {
	mu   sync.Mutex
	last map[string]types.Task
}

func (r *taskRecorder) Apply(op string, data []byte) error {
	if op != lifecycle.OpUpdateTask {
		return nil
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[task.ID] = task
	return nil
}

func (r *taskRecorder) get(id string) (types.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.last[id]
	return task, ok
}

// testHarness wires a real Lifecycle Engine and a real Circuit Breaker
// Registry so Orchestrator tests exercise the actual reporting/gating path
// instead of mocks: live task state is read through the Engine's Snapshot,
// and terminal state through the task records the Engine persists.
type testHarness struct {
	bus     *events.Broker
	engine  *lifecycle.Engine
	tasks   *taskRecorder
	breaker *breaker.Registry
}

func newHarness(t *testing.T, breakerCfg breaker.Config) *testHarness {
	t.Helper()
	bus := events.NewBroker(nil)
	bus.Start()
	t.Cleanup(bus.Stop)

	tasks := &taskRecorder{last: make(map[string]types.Task)}
	engine := lifecycle.New(lifecycle.DefaultConfig(), tasks, nil, bus)
	reg, err := breaker.New(breakerCfg, noopApplier{}, 64)
	require.NoError(t, err)

	return &testHarness{bus: bus, engine: engine, tasks: tasks, breaker: reg}
}

// dispatchable spawns task's actor in Queued, as SubmitTask does, and
// advances it to Dispatched, the state SubmitTask hands off to the Fallback
// Orchestrator at (spec §6).
func (h *testHarness) dispatchable(t *testing.T, task *types.Task) {
	t.Helper()
	task.State = types.TaskQueued
	h.engine.Spawn(task)
	h.engine.Send(task.ID, lifecycle.EvAdmissionAccepted)
	h.engine.Send(task.ID, lifecycle.EvRouted)
	require.Eventually(t, func() bool {
		snap, ok := h.engine.Snapshot(task.ID)
		return ok && snap.State == types.TaskDispatched
	}, time.Second, time.Millisecond, "task never reached Dispatched")
}

func (h *testHarness) finalState(t *testing.T, taskID string) types.TaskState {
	t.Helper()
	var state types.TaskState
	require.Eventually(t, func() bool {
		rec, ok := h.tasks.get(taskID)
		if !ok {
			return false
		}
		state = rec.State
		return state.Terminal()
	}, time.Second, time.Millisecond, "task never reached a terminal state")
	return state
}

func (h *testHarness) finalReason(t *testing.T, taskID string) string {
	t.Helper()
	var reason string
	require.Eventually(t, func() bool {
		rec, ok := h.tasks.get(taskID)
		if !ok {
			return false
		}
		reason = rec.TerminalReason
		return rec.State.Terminal()
	}, time.Second, time.Millisecond, "task never reached a terminal state")
	return reason
}

func TestDispatchSucceedsOnFirstRung(t *testing.T) {
	reg := runtime.NewRegistry()
	reg.Register(string(types.RuntimeRemoteSandbox), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeRemoteSandbox}, nil
	})

	h := newHarness(t, breaker.DefaultConfig())
	recorder := &fakeRecorder{}
	o := New(reg, &fakeFinder{}, &fakePolicy{}, recorder, h.breaker, h.engine, h.bus)

	task := &types.Task{ID: "t1"}
	h.dispatchable(t, task)

	err := o.Dispatch(context.Background(), task, []types.RuntimeKind{types.RuntimeRemoteSandbox}, []string{"echo", "hi"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, h.finalState(t, task.ID))
	require.Len(t, recorder.attempts, 1)
	assert.Equal(t, types.AttemptOK, recorder.attempts[0].Outcome)
}

func TestDispatchFallsThroughLadderOnTransientFailure(t *testing.T) {
	reg := runtime.NewRegistry()
	reg.Register(string(types.RuntimeMicroVM), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeMicroVM, spawnErr: cerrors.New(cerrors.TransientRemote, "spawn failed")}, nil
	})
	reg.Register(string(types.RuntimeHostSandbox), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeHostSandbox}, nil
	})

	h := newHarness(t, breaker.DefaultConfig())
	recorder := &fakeRecorder{}
	o := New(reg, &fakeFinder{}, &fakePolicy{}, recorder, h.breaker, h.engine, h.bus)

	task := &types.Task{ID: "t1"}
	h.dispatchable(t, task)

	ladder := []types.RuntimeKind{types.RuntimeMicroVM, types.RuntimeHostSandbox}
	err := o.Dispatch(context.Background(), task, ladder, []string{"echo"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, h.finalState(t, task.ID))
	require.Len(t, recorder.attempts, 2)
	assert.Equal(t, types.AttemptFailed, recorder.attempts[0].Outcome)
	assert.Equal(t, types.AttemptOK, recorder.attempts[1].Outcome)
}

func TestDispatchStopsOnPermanentError(t *testing.T) {
	reg := runtime.NewRegistry()
	reg.Register(string(types.RuntimeMicroVM), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeMicroVM, spawnErr: cerrors.New(cerrors.InvalidInput, "bad config")}, nil
	})
	reg.Register(string(types.RuntimeHostSandbox), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeHostSandbox}, nil
	})

	h := newHarness(t, breaker.DefaultConfig())
	recorder := &fakeRecorder{}
	o := New(reg, &fakeFinder{}, &fakePolicy{}, recorder, h.breaker, h.engine, h.bus)

	task := &types.Task{ID: "t1"}
	h.dispatchable(t, task)

	ladder := []types.RuntimeKind{types.RuntimeMicroVM, types.RuntimeHostSandbox}
	err := o.Dispatch(context.Background(), task, ladder, []string{"echo"})
	require.Error(t, err)
	assert.Equal(t, types.TaskFailed, h.finalState(t, task.ID))
	assert.Equal(t, string(cerrors.InvalidInput), h.finalReason(t, task.ID))
	assert.Len(t, recorder.attempts, 1, "a permanent error must not fall through to the next rung")
}

func TestDispatchExhaustsAllRungs(t *testing.T) {
	reg := runtime.NewRegistry()
	for _, kind := range []types.RuntimeKind{types.RuntimeMicroVM, types.RuntimeHostSandbox} {
		k := kind
		reg.Register(string(k), func() (runtime.Provider, error) {
			return &fakeProvider{kind: k, spawnErr: cerrors.New(cerrors.TransientRemote, "down")}, nil
		})
	}

	h := newHarness(t, breaker.DefaultConfig())
	recorder := &fakeRecorder{}
	o := New(reg, &fakeFinder{}, &fakePolicy{}, recorder, h.breaker, h.engine, h.bus)

	task := &types.Task{ID: "t1"}
	h.dispatchable(t, task)

	ladder := []types.RuntimeKind{types.RuntimeMicroVM, types.RuntimeHostSandbox}
	err := o.Dispatch(context.Background(), task, ladder, []string{"echo"})
	require.Error(t, err)
	assert.Equal(t, types.TaskFailed, h.finalState(t, task.ID))
	assert.Equal(t, string(cerrors.AllProvidersExhausted), h.finalReason(t, task.ID))
}

func TestDispatchPolicyBlocksDescent(t *testing.T) {
	reg := runtime.NewRegistry()
	reg.Register(string(types.RuntimeMicroVM), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeMicroVM, spawnErr: cerrors.New(cerrors.TransientRemote, "down")}, nil
	})
	reg.Register(string(types.RuntimeHostSandbox), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeHostSandbox}, nil
	})

	h := newHarness(t, breaker.DefaultConfig())
	recorder := &fakeRecorder{}
	policy := &fakePolicy{blockKind: types.RuntimeHostSandbox}
	o := New(reg, &fakeFinder{}, policy, recorder, h.breaker, h.engine, h.bus)

	task := &types.Task{ID: "t1", TenantID: "tenant-a"}
	h.dispatchable(t, task)

	ladder := []types.RuntimeKind{types.RuntimeMicroVM, types.RuntimeHostSandbox}
	err := o.Dispatch(context.Background(), task, ladder, []string{"echo"})
	require.Error(t, err)
	assert.Equal(t, types.TaskFailed, h.finalState(t, task.ID))
	assert.Equal(t, string(cerrors.PolicyDenied), h.finalReason(t, task.ID))
	assert.Len(t, recorder.attempts, 1, "the blocked rung's own provider must never be reached")
}

func TestDispatchNoInstanceForKindIsTreatedAsTransient(t *testing.T) {
	reg := runtime.NewRegistry()
	reg.Register(string(types.RuntimeMicroVM), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeMicroVM}, nil
	})
	reg.Register(string(types.RuntimeHostSandbox), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeHostSandbox}, nil
	})

	h := newHarness(t, breaker.DefaultConfig())
	recorder := &fakeRecorder{}
	finder := &fakeFinder{err: cerrors.New(cerrors.NoEligibleInstance, "none available")}
	o := New(reg, finder, &fakePolicy{}, recorder, h.breaker, h.engine, h.bus)

	task := &types.Task{ID: "t1"}
	h.dispatchable(t, task)

	ladder := []types.RuntimeKind{types.RuntimeMicroVM, types.RuntimeHostSandbox}
	err := o.Dispatch(context.Background(), task, ladder, []string{"echo"})
	require.Error(t, err)
	assert.Equal(t, types.TaskFailed, h.finalState(t, task.ID))
	assert.Equal(t, string(cerrors.AllProvidersExhausted), h.finalReason(t, task.ID))
}

// TestDispatchRetriesSameKindBeforeFallback covers spec §8 Scenario 2: a
// Transient-remote error must retry the same runtime kind (and, per the
// Router's affinity, the same instance) up to the Task's RetryPolicy
// budget before the ladder descends to the next kind.
func TestDispatchRetriesSameKindBeforeFallback(t *testing.T) {
	reg := runtime.NewRegistry()
	reg.Register(string(types.RuntimeRemoteSandbox), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeRemoteSandbox, spawnErr: cerrors.New(cerrors.TransientRemote, "remote unavailable")}, nil
	})
	reg.Register(string(types.RuntimeMicroVM), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeMicroVM}, nil
	})

	h := newHarness(t, breaker.Config{FailureThreshold: 10, SuccessThreshold: 1, ResetAfter: time.Minute})
	recorder := &fakeRecorder{}
	o := New(reg, &fakeFinder{}, &fakePolicy{}, recorder, h.breaker, h.engine, h.bus)

	task := &types.Task{
		ID: "t1",
		Retry: types.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     types.BackoffFixed,
			BaseDelay:   time.Millisecond,
		},
	}
	h.dispatchable(t, task)

	ladder := []types.RuntimeKind{types.RuntimeRemoteSandbox, types.RuntimeMicroVM}
	err := o.Dispatch(context.Background(), task, ladder, []string{"echo"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, h.finalState(t, task.ID))

	require.Len(t, recorder.attempts, 4, "3 same-kind RemoteSandbox attempts then 1 successful MicroVM attempt")
	for i := 0; i < 3; i++ {
		assert.Equal(t, types.RuntimeRemoteSandbox, recorder.attempts[i].RuntimeKind)
		assert.Equal(t, types.AttemptFailed, recorder.attempts[i].Outcome)
	}
	assert.Equal(t, types.RuntimeMicroVM, recorder.attempts[3].RuntimeKind)
	assert.Equal(t, types.AttemptOK, recorder.attempts[3].Outcome)
}

// TestDispatchOpensBreakerAfterThreshold covers the other half of spec §8
// Scenario 2: the per-(provider, instance) Circuit Breaker must reach Open
// once same-kind retries push its failure count to FailureThreshold.
func TestDispatchOpensBreakerAfterThreshold(t *testing.T) {
	reg := runtime.NewRegistry()
	reg.Register(string(types.RuntimeRemoteSandbox), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeRemoteSandbox, spawnErr: cerrors.New(cerrors.TransientRemote, "remote unavailable")}, nil
	})
	reg.Register(string(types.RuntimeMicroVM), func() (runtime.Provider, error) {
		return &fakeProvider{kind: types.RuntimeMicroVM}, nil
	})

	h := newHarness(t, breaker.Config{FailureThreshold: 3, SuccessThreshold: 1, ResetAfter: time.Minute})
	recorder := &fakeRecorder{}
	o := New(reg, &fakeFinder{}, &fakePolicy{}, recorder, h.breaker, h.engine, h.bus)

	task := &types.Task{
		ID: "t1",
		Retry: types.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     types.BackoffFixed,
			BaseDelay:   time.Millisecond,
		},
	}
	h.dispatchable(t, task)

	ladder := []types.RuntimeKind{types.RuntimeRemoteSandbox, types.RuntimeMicroVM}
	err := o.Dispatch(context.Background(), task, ladder, []string{"echo"})
	require.NoError(t, err)

	key := breakerKey(types.RuntimeRemoteSandbox, "inst-"+string(types.RuntimeRemoteSandbox))
	assert.Equal(t, types.BreakerOpen, h.breaker.State(key), "3 failures at threshold=3 must open the (RemoteSandbox, instance) breaker")
}
