package lifecycle

import (
	"time"

	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Grounded on pkg/reconciler/reconciler.go: its ticker-driven run/reconcile
// loop (node-heartbeat-timeout + container-cleanup sweeps) becomes the
// shape of Reconciler's InstanceLost enforcement, terminal-task pruning,
// and join-token cleanup sweeps, generalized from nodes/containers to
// Conductor's Instance/Task/Token model.

// InstanceStore is the subset of pkg/registry.Registry the Reconciler
// needs to discover lost instances and their still-assigned tasks.
type InstanceStore interface {
	Snapshot() []*types.Instance
	Remove(instanceID string) error
}

// TaskStore is the subset of the durable store the Reconciler needs to
// find tasks assigned to a lost instance and prune old terminal tasks.
type TaskStore interface {
	TasksByInstance(instanceID string) ([]*types.Task, error)
	TerminalTasksOlderThan(cutoff time.Time) ([]*types.Task, error)
	DeleteTask(taskID string) error
}

// TokenStore is satisfied by pkg/registry.TokenManager.
type TokenStore interface {
	CleanupExpired()
}

// ReconcilerConfig tunes sweep cadence and retention, operator-configurable
// rather than fixed constants.
type ReconcilerConfig struct {
	Interval          time.Duration
	InstanceLostAfter time.Duration
	TerminalTaskTTL   time.Duration
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:          10 * time.Second,
		InstanceLostAfter: 30 * time.Second,
		TerminalTaskTTL:   5 * time.Minute,
	}
}

// Reconciler periodically sweeps for Instances that stopped reporting
// health (InstanceLost), enforces retry/fail on the Tasks still assigned
// to them, prunes old terminal Tasks, and cleans up expired join tokens.
type Reconciler struct {
	cfg       ReconcilerConfig
	instances InstanceStore
	tasks     TaskStore
	tokens    TokenStore
	engine    *Engine
	bus       *events.Broker
	log       zerolog.Logger

	stopCh chan struct{}
}

func NewReconciler(cfg ReconcilerConfig, instances InstanceStore, tasks TaskStore, tokens TokenStore, engine *Engine, bus *events.Broker) *Reconciler {
	return &Reconciler{
		cfg: cfg, instances: instances, tasks: tasks, tokens: tokens, engine: engine, bus: bus,
		log:    log.Component("reconciler"),
		stopCh: make(chan struct{}),
	}
}

func (r *Reconciler) Start() {
	go r.run()
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	r.reconcileLostInstances()
	r.pruneTerminalTasks()
	r.tokens.CleanupExpired()
}

// reconcileLostInstances removes instances whose last health probe is
// older than InstanceLostAfter and forces every task still assigned to
// them back through the Lifecycle Engine as a transient failure, letting
// the normal fallback/retry path re-dispatch or fail them.
func (r *Reconciler) reconcileLostInstances() {
	now := time.Now()
	for _, inst := range r.instances.Snapshot() {
		if inst.Status == types.InstanceRemoved {
			continue
		}
		if inst.Health.LastProbeAt.IsZero() || now.Sub(inst.Health.LastProbeAt) < r.cfg.InstanceLostAfter {
			continue
		}

		r.log.Warn().Str("instance_id", inst.ID).Msg("instance lost, reconciling assigned tasks")

		tasks, err := r.tasks.TasksByInstance(inst.ID)
		if err != nil {
			r.log.Error().Err(err).Str("instance_id", inst.ID).Msg("list tasks for lost instance")
			continue
		}
		for _, task := range tasks {
			if task.State.Terminal() {
				continue
			}
			r.engine.Send(task.ID, EvTransientFail)
		}

		if err := r.instances.Remove(inst.ID); err != nil {
			r.log.Error().Err(err).Str("instance_id", inst.ID).Msg("remove lost instance")
			continue
		}
		r.bus.Publish(&events.Event{
			Type: events.InstanceRemoved, InstanceID: inst.ID,
			Message: "instance lost: heartbeat timeout", Audit: true,
		})
	}
}

// pruneTerminalTasks deletes Tasks that reached a terminal state more
// than TerminalTaskTTL ago, bounding the durable store's growth.
func (r *Reconciler) pruneTerminalTasks() {
	cutoff := time.Now().Add(-r.cfg.TerminalTaskTTL)
	stale, err := r.tasks.TerminalTasksOlderThan(cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("list stale terminal tasks")
		return
	}
	for _, task := range stale {
		if err := r.tasks.DeleteTask(task.ID); err != nil {
			r.log.Error().Err(err).Str("task_id", task.ID).Msg("delete stale task")
		}
	}
}
