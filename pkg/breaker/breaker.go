// Package breaker is Conductor's Circuit Breaker (spec §4.2): a per-key
// Closed/Open/HalfOpen state machine guarding calls to a given provider or
// (provider-kind, instance) pair.
//
// There is no direct teacher equivalent for this component; the state
// machine shape (three states, failure/success thresholds, reset timer) is
// grounded on resilience.CircuitBreaker from the r3e-network-service_layer
// example, adapted to keep a bounded table of independent breakers (one per
// key) rather than a single breaker instance, and to gate HalfOpen admission
// with a burst-1 golang.org/x/time/rate.Limiter instead of a request
// counter, so a stalled probe cannot starve the key once its timeout
// elapses.
package breaker

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrOpen is returned by Execute when the breaker for key is Open, or is
// HalfOpen with its single probe slot already taken.
var ErrOpen = errors.New("breaker: circuit open")

// Config holds per-key thresholds (spec §4.2's "Configuration per key").
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetAfter       time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, ResetAfter: 30 * time.Second}
}

// Applier submits breaker-state transitions through Core's durable write
// path, mirroring pkg/registry's locally-scoped interface to avoid an
// import cycle with pkg/core.
type Applier interface {
	Apply(op string, data []byte) error
}

const OpUpdateBreakerState = "update_breaker_state"

type entry struct {
	mu            sync.Mutex
	state         types.BreakerStateKind
	failureCount  int
	successCount  int
	openedAt      time.Time
	halfOpenGate  *rate.Limiter
	// seenInstances tracks distinct instance ids that have contributed a
	// failure toward opening a provider-wide key (spec §9 Open Questions
	// item 1): a provider-kind breaker opens only once failures have been
	// observed from at least two distinct instances, so one bad instance
	// cannot take an entire provider kind offline.
	seenInstances map[string]struct{}
}

// Registry is the bounded table of per-key breakers (spec §4.2).
type Registry struct {
	cfg     Config
	applier Applier
	cache   *lru.Cache[string, *entry]
	log     zerolog.Logger
}

// New constructs a Registry holding up to maxKeys independent breakers.
func New(cfg Config, applier Applier, maxKeys int) (*Registry, error) {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	cache, err := lru.New[string, *entry](maxKeys)
	if err != nil {
		return nil, err
	}
	return &Registry{cfg: cfg, applier: applier, cache: cache, log: log.Component("breaker")}, nil
}

func (r *Registry) get(key string) *entry {
	if e, ok := r.cache.Get(key); ok {
		return e
	}
	e := &entry{state: types.BreakerClosed, seenInstances: make(map[string]struct{})}
	r.cache.Add(key, e)
	return e
}

// Execute runs op under key's breaker protection. It returns ErrOpen
// without invoking op when the circuit is Open, or HalfOpen with its probe
// slot already in use.
func (r *Registry) Execute(key, instanceID string, op func() error) error {
	e := r.get(key)

	if err := r.beforeCall(key, e); err != nil {
		return err
	}

	err := op()
	r.afterCall(key, e, instanceID, err == nil)
	return err
}

func (r *Registry) beforeCall(key string, e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case types.BreakerOpen:
		if time.Since(e.openedAt) < r.cfg.ResetAfter {
			return ErrOpen
		}
		r.transition(key, e, types.BreakerHalfOpen)
		fallthrough
	case types.BreakerHalfOpen:
		if e.halfOpenGate == nil {
			// burst 1: the first caller takes the only token, so one probe
			// proceeds before replenishment.
			e.halfOpenGate = rate.NewLimiter(rate.Every(r.cfg.ResetAfter), 1)
		}
		if !e.halfOpenGate.Allow() {
			return ErrOpen
		}
	}
	return nil
}

func (r *Registry) afterCall(key string, e *entry, instanceID string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if success {
		r.onSuccess(key, e)
	} else {
		r.onFailure(key, e, instanceID)
	}
}

func (r *Registry) onSuccess(key string, e *entry) {
	switch e.state {
	case types.BreakerHalfOpen:
		e.successCount++
		if e.successCount >= r.cfg.SuccessThreshold {
			r.transition(key, e, types.BreakerClosed)
		}
	case types.BreakerClosed:
		e.failureCount = 0
		e.seenInstances = make(map[string]struct{})
	}
}

func (r *Registry) onFailure(key string, e *entry, instanceID string) {
	if instanceID != "" {
		e.seenInstances[instanceID] = struct{}{}
	}
	e.failureCount++

	switch e.state {
	case types.BreakerHalfOpen:
		r.transition(key, e, types.BreakerOpen)
	case types.BreakerClosed:
		if e.failureCount >= r.cfg.FailureThreshold && len(e.seenInstances) >= minDistinctInstances(instanceID) {
			r.transition(key, e, types.BreakerOpen)
		}
	}
}

// minDistinctInstances returns the number of distinct instances that must
// have contributed a failure before this key may open. Callers that never
// pass an instanceID are using a key already scoped to one instance (spec
// §3: "(provider-kind, instance-id) for per-worker isolation") and so open
// on failureCount alone, with no distinctness gate. Callers that do pass
// an instanceID are feeding a provider-wide key and must see failures from
// at least two distinct instances before it opens, so one bad instance
// cannot take an entire provider kind offline.
func minDistinctInstances(instanceID string) int {
	if instanceID == "" {
		return 0
	}
	return 2
}

func (r *Registry) transition(key string, e *entry, to types.BreakerStateKind) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	e.failureCount = 0
	e.successCount = 0
	e.halfOpenGate = nil
	if to == types.BreakerOpen {
		e.openedAt = time.Now()
	}
	if to == types.BreakerClosed {
		e.seenInstances = make(map[string]struct{})
	}

	metrics.CircuitTransitionsTotal.WithLabelValues(key, string(to)).Inc()
	r.log.Info().Str("key", key).Str("from", string(from)).Str("to", string(to)).Msg("breaker transition")
	r.persist(key, e)
}

func (r *Registry) persist(key string, e *entry) {
	if r.applier == nil {
		return
	}
	state := &types.BreakerState{
		Key:           key,
		State:         e.state,
		FailureCount:  e.failureCount,
		SuccessCount:  e.successCount,
		OpenedAt:      e.openedAt,
		SchemaVersion: 1,
	}
	data, err := json.Marshal(state)
	if err != nil {
		r.log.Error().Err(err).Str("key", key).Msg("marshal breaker state")
		return
	}
	if err := r.applier.Apply(OpUpdateBreakerState, data); err != nil {
		r.log.Error().Err(err).Str("key", key).Msg("apply breaker state")
	}
}

// State reports the current state of key without affecting it.
func (r *Registry) State(key string) types.BreakerStateKind {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
