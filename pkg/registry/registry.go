// Package registry is Conductor's Instance Registry (spec §4.8): instance
// membership, a capability inverted index for candidate filtering, and
// drain semantics for deregistration.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Applier submits a durable state change through Core's Raft-backed FSM.
// Defined locally (rather than imported from pkg/core) so pkg/core can
// depend on pkg/registry without a cyclic import; *core.Core satisfies
// this interface structurally.
type Applier interface {
	Apply(op string, data []byte) error
}

// Command ops this package applies.
const (
	OpRegisterInstance   = "register_instance"
	OpUpdateInstance     = "update_instance"
	OpDeregisterInstance = "deregister_instance"
	OpRemoveInstance     = "remove_instance"
)

// Config holds Registry tuning knobs.
type Config struct {
	// DrainWindow sets the DrainDeadline that Deregister records on a
	// draining instance. No code enforces that deadline: tasks still
	// running past it are not moved to Failed(InstanceLost).
	DrainWindow time.Duration
	// MissedHeartbeatThreshold is not read by any code. Instance removal
	// is driven by HealthConfig.RemoveAfter and the lifecycle Reconciler's
	// InstanceLostAfter instead.
	MissedHeartbeatThreshold int
}

func DefaultConfig() Config {
	return Config{
		DrainWindow:              5 * time.Minute,
		MissedHeartbeatThreshold: 5,
	}
}

// Registry owns Instance records (spec §3 ownership summary). Writes go
// through Applier (and so through the Raft/Audit write-ahead path); reads
// are served from an in-memory snapshot kept current by those same writes,
// so readers never block on storage I/O.
type Registry struct {
	cfg     Config
	applier Applier
	store   storage.Store
	tokens  *TokenManager
	bus     *events.Broker
	log     zerolog.Logger

	mu         sync.RWMutex
	instances  map[string]*types.Instance
	capability map[string]map[string]struct{} // capability -> set<instanceID>
}

// New constructs a Registry and loads its in-memory view from store. Call
// this once, after storage and before serving traffic.
func New(cfg Config, applier Applier, store storage.Store, bus *events.Broker) (*Registry, error) {
	r := &Registry{
		cfg:        cfg,
		applier:    applier,
		store:      store,
		tokens:     NewTokenManager(),
		bus:        bus,
		log:        log.Component("registry"),
		instances:  make(map[string]*types.Instance),
		capability: make(map[string]map[string]struct{}),
	}

	existing, err := store.ListInstances()
	if err != nil {
		return nil, fmt.Errorf("registry: load instances: %w", err)
	}
	for _, inst := range existing {
		r.index(inst)
	}
	return r, nil
}

func (r *Registry) index(inst *types.Instance) {
	r.instances[inst.ID] = inst
	for _, cap := range inst.Capabilities {
		set, ok := r.capability[cap]
		if !ok {
			set = make(map[string]struct{})
			r.capability[cap] = set
		}
		set[inst.ID] = struct{}{}
	}
}

func (r *Registry) unindex(id string) {
	if inst, ok := r.instances[id]; ok {
		for _, cap := range inst.Capabilities {
			delete(r.capability[cap], id)
		}
	}
	delete(r.instances, id)
}

// Apply is called by Core's FSM after a register/update/deregister/remove
// command commits; it keeps the in-memory view in sync with the durable
// store the FSM just wrote to.
func (r *Registry) Apply(op string, inst *types.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch op {
	case OpRegisterInstance, OpUpdateInstance:
		r.index(inst)
	case OpDeregisterInstance:
		inst.Status = types.InstanceDraining
		r.index(inst)
	case OpRemoveInstance:
		r.unindex(inst.ID)
	}
}

// Register is idempotent by id: re-registering the same id with the same
// endpoint/runtime kinds returns the current state; a conflicting
// endpoint or runtime-kind set is rejected (spec §4.8).
func (r *Registry) Register(token string, inst *types.Instance) (*types.Instance, error) {
	if _, err := r.tokens.Validate(token); err != nil {
		return nil, fmt.Errorf("registry: register %s: %w", inst.ID, err)
	}

	r.mu.RLock()
	existing, ok := r.instances[inst.ID]
	r.mu.RUnlock()

	if ok {
		if existing.Endpoint != inst.Endpoint || !sameRuntimeKinds(existing.RuntimeKinds, inst.RuntimeKinds) {
			return nil, fmt.Errorf("registry: instance %s already registered with a conflicting endpoint/runtime set", inst.ID)
		}
		return existing, nil
	}

	inst.RegisteredAt = time.Now()
	inst.Status = types.InstanceActive
	inst.Health = types.HealthStatus{State: types.HealthUnknown}
	inst.SchemaVersion = 1

	data, err := json.Marshal(inst)
	if err != nil {
		return nil, err
	}
	if err := r.applier.Apply(OpRegisterInstance, data); err != nil {
		return nil, fmt.Errorf("registry: register %s: %w", inst.ID, err)
	}

	r.bus.Publish(&events.Event{
		Type: events.InstanceRegistered, InstanceID: inst.ID,
		Message: "instance registered", Audit: true,
	})
	return inst, nil
}

func sameRuntimeKinds(a, b []types.RuntimeKind) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[types.RuntimeKind]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// Deregister marks an instance Draining and records DrainDeadline (now plus
// DrainWindow). Existing tasks run on; nothing acts on the deadline, so
// tasks still outstanding past it are not moved to Failed(InstanceLost).
func (r *Registry) Deregister(id string) error {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: deregister %s: not found", id)
	}

	updated := *inst
	updated.Status = types.InstanceDraining
	updated.DrainDeadline = time.Now().Add(r.cfg.DrainWindow)

	data, err := json.Marshal(&updated)
	if err != nil {
		return err
	}
	if err := r.applier.Apply(OpDeregisterInstance, data); err != nil {
		return fmt.Errorf("registry: deregister %s: %w", id, err)
	}

	r.log.Info().Str("instance_id", id).Msg("instance draining")
	return nil
}

// Remove permanently destroys an instance record (explicit deregistration
// past its drain window, or consecutive missed heartbeats past threshold).
func (r *Registry) Remove(id string) error {
	data, err := json.Marshal(&types.Instance{ID: id})
	if err != nil {
		return err
	}
	return r.applier.Apply(OpRemoveInstance, data)
}

// Get returns a copy of the current Instance record.
func (r *Registry) Get(id string) (*types.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// GetHealthyInstances returns candidates with every capability in caps,
// optionally restricted to region, per spec §4.8. It does not itself apply
// the Router's Degraded-only-if-no-Healthy rule or breaker filtering —
// those are the Router's concern (spec §4.4); this is pure membership +
// capability lookup, O(|caps| + |candidates|).
func (r *Registry) GetHealthyInstances(caps []string, region string) []*types.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidateIDs map[string]struct{}
	for i, cap := range caps {
		set := r.capability[cap]
		if i == 0 {
			candidateIDs = make(map[string]struct{}, len(set))
			for id := range set {
				candidateIDs[id] = struct{}{}
			}
			continue
		}
		for id := range candidateIDs {
			if _, ok := set[id]; !ok {
				delete(candidateIDs, id)
			}
		}
	}
	if len(caps) == 0 {
		candidateIDs = make(map[string]struct{}, len(r.instances))
		for id := range r.instances {
			candidateIDs[id] = struct{}{}
		}
	}

	out := make([]*types.Instance, 0, len(candidateIDs))
	for id := range candidateIDs {
		inst := r.instances[id]
		if inst == nil || inst.Status != types.InstanceActive {
			continue
		}
		if inst.Health.State == types.HealthUnhealthy {
			continue
		}
		if region != "" && inst.Region != region {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// Snapshot returns full membership with per-instance load/health.
func (r *Registry) Snapshot() []*types.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// GlobalUtilization computes sum(activeSessions)/sum(maxConcurrentSessions)
// across Healthy∪Degraded instances, per the Router's backpressure check
// (spec §4.4 step 1).
func (r *Registry) GlobalUtilization() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active, capacity int
	for _, inst := range r.instances {
		if inst.Status != types.InstanceActive {
			continue
		}
		if inst.Health.State != types.HealthHealthy && inst.Health.State != types.HealthDegraded {
			continue
		}
		active += inst.Load.ActiveSess
		capacity += inst.Ceilings.MaxConcurrentSess
	}
	if capacity == 0 {
		return 0
	}
	return float64(active) / float64(capacity)
}

// Tokens exposes the join-token gate for the CLI/registration API.
func (r *Registry) Tokens() *TokenManager {
	return r.tokens
}
