package core

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/conductor/pkg/breaker"
	"github.com/cuemby/conductor/pkg/budget"
	"github.com/cuemby/conductor/pkg/lifecycle"
	"github.com/cuemby/conductor/pkg/registry"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/hashicorp/raft"
)

// Command is a single durable mutation submitted through Raft: an opaque
// op tag plus its JSON payload, covering Conductor's Instance/Task/
// Attempt/TenantBudget/BreakerState entity set.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// fsm implements the Raft finite state machine over storage.Store, applying
// committed commands and keeping each subsystem's in-memory view (Registry,
// Budget Gate) current via an op-switch over Command.Op.
type fsm struct {
	mu    sync.Mutex
	store storage.Store

	reg *registry.Registry
	bud *budget.Gate
}

func newFSM(store storage.Store) *fsm {
	return &fsm{store: store}
}

// bind wires the already-constructed Registry/Budget Gate into the FSM so
// their in-memory caches stay in sync with committed commands. Called once
// during Core construction, after both have loaded their initial state from
// store directly.
func (f *fsm) bind(reg *registry.Registry, bud *budget.Gate) {
	f.reg = reg
	f.bud = bud
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("fsm: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case registry.OpRegisterInstance, registry.OpUpdateInstance, registry.OpDeregisterInstance:
		var inst types.Instance
		if err := json.Unmarshal(cmd.Data, &inst); err != nil {
			return err
		}
		// BoltStore.UpdateInstance upserts, so register/update/deregister
		// all collapse to the same durable write.
		if err := f.store.UpdateInstance(&inst); err != nil {
			return err
		}
		if f.reg != nil {
			f.reg.Apply(cmd.Op, &inst)
		}
		return nil

	case registry.OpRemoveInstance:
		var inst types.Instance
		if err := json.Unmarshal(cmd.Data, &inst); err != nil {
			return err
		}
		if err := f.store.DeleteInstance(inst.ID); err != nil {
			return err
		}
		if f.reg != nil {
			f.reg.Apply(cmd.Op, &inst)
		}
		return nil

	case lifecycle.OpUpdateTask:
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		return f.store.UpdateTask(&task)

	case OpCreateTask:
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		return f.store.CreateTask(&task)

	case OpCreateAttempt:
		var attempt types.Attempt
		if err := json.Unmarshal(cmd.Data, &attempt); err != nil {
			return err
		}
		return f.store.CreateAttempt(&attempt)

	case budget.OpUpsertTenantBudget:
		var b types.TenantBudget
		if err := json.Unmarshal(cmd.Data, &b); err != nil {
			return err
		}
		if err := f.store.UpsertTenantBudget(&b); err != nil {
			return err
		}
		if f.bud != nil {
			f.bud.Apply(&b)
		}
		return nil

	case breaker.OpUpdateBreakerState:
		var bs types.BreakerState
		if err := json.Unmarshal(cmd.Data, &bs); err != nil {
			return err
		}
		return f.store.UpsertBreakerState(&bs)

	default:
		return fmt.Errorf("fsm: unknown command: %s", cmd.Op)
	}
}

// Snapshot captures full durable state for Raft log compaction.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	instances, err := f.store.ListInstances()
	if err != nil {
		return nil, fmt.Errorf("fsm: snapshot instances: %w", err)
	}
	tasks, err := f.store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("fsm: snapshot tasks: %w", err)
	}
	budgets, err := f.store.ListTenantBudgets()
	if err != nil {
		return nil, fmt.Errorf("fsm: snapshot budgets: %w", err)
	}
	breakers, err := f.store.ListBreakerStates()
	if err != nil {
		return nil, fmt.Errorf("fsm: snapshot breaker states: %w", err)
	}

	return &fsmSnapshot{
		Instances: instances,
		Tasks:     tasks,
		Budgets:   budgets,
		Breakers:  breakers,
	}, nil
}

// Restore replaces durable state wholesale from a snapshot.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("fsm: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, inst := range snap.Instances {
		if err := f.store.CreateInstance(inst); err != nil {
			return fmt.Errorf("fsm: restore instance %s: %w", inst.ID, err)
		}
	}
	for _, task := range snap.Tasks {
		if err := f.store.CreateTask(task); err != nil {
			return fmt.Errorf("fsm: restore task %s: %w", task.ID, err)
		}
	}
	for _, b := range snap.Budgets {
		if err := f.store.UpsertTenantBudget(b); err != nil {
			return fmt.Errorf("fsm: restore tenant budget %s: %w", b.TenantID, err)
		}
	}
	for _, bs := range snap.Breakers {
		if err := f.store.UpsertBreakerState(bs); err != nil {
			return fmt.Errorf("fsm: restore breaker state %s: %w", bs.Key, err)
		}
	}
	return nil
}

type fsmSnapshot struct {
	Instances []*types.Instance
	Tasks     []*types.Task
	Budgets   []*types.TenantBudget
	Breakers  []*types.BreakerState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
