package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/types"
)

type recordingApplier struct {
	calls int
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{}
}

func (a *recordingApplier) Apply(op string, data []byte) error {
	a.calls++
	return nil
}

type fakeCanceller struct {
	confirmed bool
}

func (c *fakeCanceller) Cancel(ctx context.Context, taskID string) bool {
	return c.confirmed
}

func waitForState(t *testing.T, e *Engine, taskID string, want types.TaskState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := e.Snapshot(taskID); ok && snap.State == want {
			return
		}
		if _, ok := e.Snapshot(taskID); !ok {
			// Actor may have already finished and been removed; one last check
			// isn't possible since the task pointer is gone, so fail loudly.
			t.Fatalf("actor for %s exited before reaching state %s", taskID, want)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", taskID, want)
}

func waitForFinish(t *testing.T, e *Engine, taskID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.Snapshot(taskID); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("actor for %s never finished", taskID)
}

func TestEngineAdmissionAcceptedTransition(t *testing.T) {
	applier := newRecordingApplier()
	bus := events.NewBroker(nil)
	bus.Start()
	defer bus.Stop()

	e := New(DefaultConfig(), applier, nil, bus)
	task := &types.Task{ID: "t1", State: types.TaskQueued}
	e.Spawn(task)

	require.True(t, e.Send("t1", EvAdmissionAccepted))
	waitForState(t, e, "t1", types.TaskAdmitted)
}

func TestEngineFullHappyPath(t *testing.T) {
	applier := newRecordingApplier()
	bus := events.NewBroker(nil)
	bus.Start()
	defer bus.Stop()

	e := New(DefaultConfig(), applier, nil, bus)
	task := &types.Task{ID: "t1", State: types.TaskQueued}
	e.Spawn(task)

	e.Send("t1", EvAdmissionAccepted)
	waitForState(t, e, "t1", types.TaskAdmitted)
	e.Send("t1", EvRouted)
	waitForState(t, e, "t1", types.TaskDispatched)
	e.Send("t1", EvStarted)
	waitForState(t, e, "t1", types.TaskRunning)
	e.Send("t1", EvOK)
	waitForFinish(t, e, "t1")
}

func TestEngineTransientFailReturnsToDispatched(t *testing.T) {
	applier := newRecordingApplier()
	bus := events.NewBroker(nil)
	bus.Start()
	defer bus.Stop()

	e := New(DefaultConfig(), applier, nil, bus)
	task := &types.Task{ID: "t1", State: types.TaskRunning}
	e.Spawn(task)

	e.Send("t1", EvTransientFail)
	waitForState(t, e, "t1", types.TaskDispatched)
}

func TestEnginePermanentFailTerminates(t *testing.T) {
	applier := newRecordingApplier()
	bus := events.NewBroker(nil)
	bus.Start()
	defer bus.Stop()

	e := New(DefaultConfig(), applier, nil, bus)
	task := &types.Task{ID: "t1", State: types.TaskRunning}
	e.Spawn(task)

	e.Send("t1", EvPermanentFail)
	waitForFinish(t, e, "t1")
}

func TestEngineCancelConfirmed(t *testing.T) {
	applier := newRecordingApplier()
	bus := events.NewBroker(nil)
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(events.MatchAll([]events.Type{events.InstanceHealthChg}, "", "", ""))
	defer sub.Close()

	e := New(DefaultConfig(), applier, &fakeCanceller{confirmed: true}, bus)
	task := &types.Task{ID: "t1", State: types.TaskRunning}
	e.Spawn(task)

	e.Send("t1", EvCancel)
	waitForFinish(t, e, "t1")

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected health-check flag event on confirmed cancel: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineCancelUnconfirmedFlagsInstance(t *testing.T) {
	applier := newRecordingApplier()
	bus := events.NewBroker(nil)
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(events.MatchAll([]events.Type{events.InstanceHealthChg}, "", "", ""))
	defer sub.Close()

	e := New(DefaultConfig(), applier, &fakeCanceller{confirmed: false}, bus)
	task := &types.Task{ID: "t1", State: types.TaskRunning, AssignedInstanceID: "inst-1"}
	e.Spawn(task)

	e.Send("t1", EvCancel)
	waitForFinish(t, e, "t1")

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "inst-1", ev.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("expected an instance health-check flag event when cancel isn't confirmed")
	}
}

func TestEngineDeadlineExceededTimesOutRunningTask(t *testing.T) {
	applier := newRecordingApplier()
	bus := events.NewBroker(nil)
	bus.Start()
	defer bus.Stop()

	e := New(DefaultConfig(), applier, nil, bus)
	task := &types.Task{ID: "t1", State: types.TaskRunning, Deadline: time.Now().Add(20 * time.Millisecond)}
	e.Spawn(task)

	waitForFinish(t, e, "t1")
}

func TestEngineIgnoresInvalidTransition(t *testing.T) {
	applier := newRecordingApplier()
	bus := events.NewBroker(nil)
	bus.Start()
	defer bus.Stop()

	e := New(DefaultConfig(), applier, nil, bus)
	task := &types.Task{ID: "t1", State: types.TaskQueued}
	e.Spawn(task)

	e.Send("t1", EvOK) // not a valid transition from Queued
	time.Sleep(20 * time.Millisecond)

	snap, ok := e.Snapshot("t1")
	require.True(t, ok, "actor must still be alive after an ignored event")
	assert.Equal(t, types.TaskQueued, snap.State)
}

func TestActiveCountForTenant(t *testing.T) {
	applier := newRecordingApplier()
	bus := events.NewBroker(nil)
	bus.Start()
	defer bus.Stop()

	e := New(DefaultConfig(), applier, nil, bus)
	e.Spawn(&types.Task{ID: "t1", TenantID: "tenant-a", State: types.TaskQueued})
	e.Spawn(&types.Task{ID: "t2", TenantID: "tenant-a", State: types.TaskQueued})
	e.Spawn(&types.Task{ID: "t3", TenantID: "tenant-b", State: types.TaskQueued})

	assert.Equal(t, 2, e.ActiveCountForTenant("tenant-a"))
	assert.Equal(t, 1, e.ActiveCountForTenant("tenant-b"))
}
