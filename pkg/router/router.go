// Package router is Conductor's Task Router (spec §4.4): selects one
// healthy Instance for a Task, or refuses with a taxonomy error.
//
// The Router has no dispatch loop and no per-(tenant,priority) queue or
// ordering: the Fallback Orchestrator calls it synchronously, once per
// ladder attempt, on the goroutine that submitted the Task.
//
// Grounded on pkg/scheduler/scheduler.go: filterSchedulableNodes
// becomes the candidate filter, and selectNode's fewest-containers
// least-loaded selection becomes the scoring/tie-break step, generalized
// from node/container counts to the spec's weighted score formula.
package router

import (
	"math"
	"sort"
	"sync"
	"time"

	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/registry"
	"github.com/cuemby/conductor/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// BreakerStater reports the current breaker state for a (provider,
// instance) key, letting the Router exclude Open breakers from candidacy.
// Satisfied by pkg/breaker.Registry.
type BreakerStater interface {
	State(key string) types.BreakerStateKind
}

// Weights are the scoring formula's coefficients (spec §4.4 step 5).
type Weights struct {
	Util            float64
	QueueDepth      float64
	RegionMatch     float64
	CapabilityExcess float64
	RecentFailure   float64
}

func DefaultWeights() Weights {
	return Weights{Util: 0.4, QueueDepth: 0.2, RegionMatch: 0.2, CapabilityExcess: 0.1, RecentFailure: 0.3}
}

// Config tunes the Router.
type Config struct {
	RejectUtilization float64 // spec §4.4 step 1 default 0.95
	Weights           Weights
	// FailurePenaltyHalfLife is the exponential-decay half-life for the
	// recentFailurePenalty term (spec §4.4 step 5).
	FailurePenaltyHalfLife time.Duration
}

func DefaultConfig() Config {
	return Config{
		RejectUtilization:      0.95,
		Weights:                DefaultWeights(),
		FailurePenaltyHalfLife: 30 * time.Second,
	}
}

type candidateScore struct {
	instance *types.Instance
	score    float64
}

// Router picks one Instance per Task (spec §4.4).
type Router struct {
	cfg     Config
	reg     *registry.Registry
	breaker BreakerStater
	bus     *events.Broker
	log     zerolog.Logger

	// recentFailures maps (providerKind,instanceID) -> last failure time,
	// bounded by an LRU so a long-running Router never grows this table
	// without bound.
	recentFailures *lru.Cache[string, time.Time]

	// affinity maps a Task's AffinityKey to the instance it last dispatched
	// to (spec §4.4 step 2).
	mu       sync.Mutex
	affinity map[string]string
}

func New(cfg Config, reg *registry.Registry, breaker BreakerStater, bus *events.Broker) (*Router, error) {
	cache, err := lru.New[string, time.Time](8192)
	if err != nil {
		return nil, err
	}
	return &Router{
		cfg: cfg, reg: reg, breaker: breaker, bus: bus,
		log:            log.Component("router"),
		recentFailures: cache,
		affinity:       make(map[string]string),
	}, nil
}

// RecordFailure notes a failed attempt against (providerKind, instanceID),
// feeding the recentFailurePenalty term of future scoring.
func (r *Router) RecordFailure(providerKind types.RuntimeKind, instanceID string) {
	r.recentFailures.Add(failureKey(providerKind, instanceID), time.Now())
}

func failureKey(kind types.RuntimeKind, instanceID string) string {
	return string(kind) + "/" + instanceID
}

// Route selects one Instance for task, or returns a taxonomy error (spec
// §4.4). allowedKinds restricts candidates to instances offering at least
// one of these runtime kinds (the Fallback Orchestrator calls Route once
// per rung, passing a single kind).
func (r *Router) Route(task *types.Task, allowedKinds []types.RuntimeKind) (*types.Instance, error) {
	if util := r.reg.GlobalUtilization(); util >= r.cfg.RejectUtilization {
		return nil, cerrors.New(cerrors.FederationCapacity, "global utilization above reject threshold")
	}

	if task.AffinityKey != "" {
		r.mu.Lock()
		instID, ok := r.affinity[task.AffinityKey]
		r.mu.Unlock()
		if ok {
			if inst, found := r.reg.Get(instID); found && r.eligible(inst, task, allowedKinds) {
				return inst, nil
			}
		}
	}

	candidates := r.candidates(task, allowedKinds)
	if len(candidates) == 0 {
		return nil, cerrors.New(cerrors.NoEligibleInstance, "no eligible instance for task")
	}

	scored := r.score(task, candidates)
	chosen := scored[0].instance

	if task.AffinityKey != "" {
		r.mu.Lock()
		r.affinity[task.AffinityKey] = chosen.ID
		r.mu.Unlock()
	}

	r.bus.Publish(&events.Event{
		Type: events.TaskRouted, TaskID: task.ID, TenantID: task.TenantID,
		InstanceID: chosen.ID, Message: "routed", Audit: true,
	})
	return chosen, nil
}

// PickForKind satisfies pkg/fallback.InstanceFinder: route restricted to a
// single runtime kind.
func (r *Router) PickForKind(task *types.Task, kind types.RuntimeKind) (*types.Instance, error) {
	return r.Route(task, []types.RuntimeKind{kind})
}

// candidates builds the eligible set for task. Region is a soft filter
// (spec §4.4 step 3): it narrows the eligible set only when at least one
// otherwise-eligible instance sits in task.PreferredRegion; otherwise the
// full eligible set (regardless of region) is used, so a region preference
// never turns into a hard NoEligibleInstance rejection.
func (r *Router) candidates(task *types.Task, allowedKinds []types.RuntimeKind) []*types.Instance {
	pool := r.reg.GetHealthyInstances(task.RequiredCaps, "")

	healthy := filterByHealth(pool, types.HealthHealthy)
	if len(healthy) == 0 {
		healthy = filterByHealth(pool, types.HealthDegraded)
	}

	eligible := make([]*types.Instance, 0, len(healthy))
	for _, inst := range healthy {
		if !r.eligible(inst, task, allowedKinds) {
			continue
		}
		eligible = append(eligible, inst)
	}

	if task.PreferredRegion == "" {
		return eligible
	}
	inRegion := make([]*types.Instance, 0, len(eligible))
	for _, inst := range eligible {
		if inst.Region == task.PreferredRegion {
			inRegion = append(inRegion, inst)
		}
	}
	if len(inRegion) > 0 {
		return inRegion
	}
	return eligible
}

func filterByHealth(pool []*types.Instance, state types.HealthState) []*types.Instance {
	var out []*types.Instance
	for _, inst := range pool {
		if inst.Health.State == state {
			out = append(out, inst)
		}
	}
	return out
}

func (r *Router) eligible(inst *types.Instance, task *types.Task, allowedKinds []types.RuntimeKind) bool {
	if inst.Load.ActiveSess >= inst.Ceilings.MaxConcurrentSess && inst.Ceilings.MaxConcurrentSess > 0 {
		return false
	}
	if len(allowedKinds) > 0 {
		matched := false
		for _, k := range allowedKinds {
			if inst.HasRuntimeKind(k) {
				matched = true
				if r.breaker != nil && r.breaker.State(failureKey(k, inst.ID)) == types.BreakerOpen {
					matched = false
				}
				if matched {
					break
				}
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (r *Router) score(task *types.Task, candidates []*types.Instance) []candidateScore {
	out := make([]candidateScore, 0, len(candidates))
	w := r.cfg.Weights

	for _, inst := range candidates {
		util := 0.0
		if inst.Ceilings.MaxConcurrentSess > 0 {
			util = float64(inst.Load.ActiveSess) / float64(inst.Ceilings.MaxConcurrentSess)
		}
		queueNorm := 0.0
		if inst.Ceilings.MaxQueuedTasks > 0 {
			queueNorm = float64(inst.Load.QueuedTasks) / float64(inst.Ceilings.MaxQueuedTasks)
		}
		regionMatch := 0.0
		if task.PreferredRegion != "" && inst.Region == task.PreferredRegion {
			regionMatch = 1.0
		}
		capExcess := float64(len(inst.Capabilities) - len(task.RequiredCaps))
		if capExcess < 0 {
			capExcess = 0
		}

		penalty := r.failurePenalty(inst)

		score := w.Util*(1-util) + w.QueueDepth*(1-queueNorm) + w.RegionMatch*regionMatch +
			w.CapabilityExcess*capExcess - w.RecentFailure*penalty

		out = append(out, candidateScore{instance: inst, score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].instance.ID < out[j].instance.ID
	})

	return out
}

// failurePenalty decays exponentially with time since the most recent
// recorded failure for any (kind, instance) key matching inst.ID (spec
// §4.4 step 5: "decays exponentially with time since last failure for this
// (instance, provider) key").
func (r *Router) failurePenalty(inst *types.Instance) float64 {
	var mostRecent time.Time
	for _, kind := range inst.RuntimeKinds {
		if t, ok := r.recentFailures.Get(failureKey(kind, inst.ID)); ok && t.After(mostRecent) {
			mostRecent = t
		}
	}
	if mostRecent.IsZero() {
		return 0
	}
	elapsed := time.Since(mostRecent)
	halfLife := r.cfg.FailurePenaltyHalfLife
	if halfLife <= 0 {
		halfLife = 30 * time.Second
	}
	return math.Exp(-math.Ln2 * float64(elapsed) / float64(halfLife))
}
