// Package core is Conductor's Core context (spec §9's explicit
// replacement for "global singletons"): constructed once at startup, it
// threads the Registry, Router, Circuit
// Breaker, Retry Engine, Budget Gate, Runtime Provider Registry, Fallback
// Orchestrator, Lifecycle Engine, Event Bus, and Audit Log together, owns
// the Raft-backed write path, and shuts everything down in reverse
// startup order.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/audit"
	"github.com/cuemby/conductor/pkg/breaker"
	"github.com/cuemby/conductor/pkg/budget"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/fallback"
	"github.com/cuemby/conductor/pkg/lifecycle"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/policy"
	"github.com/cuemby/conductor/pkg/registry"
	"github.com/cuemby/conductor/pkg/retry"
	"github.com/cuemby/conductor/pkg/router"
	"github.com/cuemby/conductor/pkg/runtime"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Op tags Core itself owns, ahead of any subsystem-local Applier.
const (
	OpCreateTask    = "create_task"
	OpCreateAttempt = "create_attempt"
)

// Config configures a Core node and every subsystem it wires.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	Registry   registry.Config
	Breaker    breaker.Config
	Budget     budget.Config
	Router     router.Config
	Lifecycle  lifecycle.Config
	Reconciler lifecycle.ReconcilerConfig
	Health     registry.HealthConfig

	BreakerMaxKeys      int
	BudgetThrottleRates map[time.Duration]int
	RetryCooldown       time.Duration

	// Runtime provider wiring (spec §4.3's "plug-in" factories).
	RemoteSandboxTarget   string
	HostSandboxBaseDir    string
	ContainerdSocketPath  string
	EnableMicroVMProvider bool
}

func DefaultConfig(nodeID, bindAddr, dataDir string) Config {
	return Config{
		NodeID:     nodeID,
		BindAddr:   bindAddr,
		DataDir:    dataDir,
		Registry:   registry.DefaultConfig(),
		Breaker:    breaker.DefaultConfig(),
		Budget:     budget.DefaultConfig(),
		Router:     router.DefaultConfig(),
		Lifecycle:  lifecycle.DefaultConfig(),
		Reconciler: lifecycle.DefaultReconcilerConfig(),
		Health:     registry.DefaultHealthConfig(),

		BreakerMaxKeys: 4096,
		BudgetThrottleRates: map[time.Duration]int{
			time.Minute: 120,
		},
		RetryCooldown: time.Second,
	}
}

// quotaAdapter bridges budget's quotaSource to Core's Quota table and the
// Lifecycle Engine's live actor count, keeping Quota ownership with the
// caller/CLI (spec §3) while the Gate only enforces it.
type quotaAdapter struct {
	core *Core
}

func (q *quotaAdapter) Quota(tenantID string) (types.Quota, bool) {
	q.core.quotaMu.RLock()
	defer q.core.quotaMu.RUnlock()
	quota, ok := q.core.quotas[tenantID]
	return quota, ok
}

func (q *quotaAdapter) ActiveTaskCount(tenantID string) int {
	return q.core.lifecycleEngine.ActiveCountForTenant(tenantID)
}

// providerCanceller adapts the Lifecycle Engine's Canceller to the running
// attempt tracked per task by the Fallback Orchestrator. Session lifetime
// is owned by pkg/fallback's attempt loop, not Core, so cancellation here
// is best-effort: a confirmed=false result just means the Lifecycle
// Engine's grace-period fallback (flag the instance for a health check)
// takes over.
type providerCanceller struct{}

func (providerCanceller) Cancel(ctx context.Context, taskID string) bool {
	return false
}

// Core is Conductor's top-level context.
type Core struct {
	cfg Config
	log zerolog.Logger

	raft *raft.Raft
	fsm  *fsm

	store storage.Store
	bus   *events.Broker
	audit *audit.Log

	registry        *registry.Registry
	health          *registry.HealthMonitor
	breakerRegistry *breaker.Registry
	cooldown        *retry.CooldownGate
	budgetGate      *budget.Gate
	providers       *runtime.Registry
	routerEngine    *router.Router
	policyEngine    *policy.Policy
	fallbackOrch    *fallback.Orchestrator
	lifecycleEngine *lifecycle.Engine
	reconciler      *lifecycle.Reconciler

	quotaMu sync.RWMutex
	quotas  map[string]types.Quota
}

// New constructs a Core and every subsystem it owns, but does not start
// Raft — call Bootstrap or Join next.
func New(cfg Config, prober registry.Prober) (*Core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("core: create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("core: open store: %w", err)
	}

	auditLog, err := audit.NewLog(store)
	if err != nil {
		return nil, fmt.Errorf("core: open audit log: %w", err)
	}

	bus := events.NewBroker(auditLog)
	bus.Start()

	c := &Core{
		cfg:    cfg,
		log:    log.Component("core"),
		fsm:    newFSM(store),
		store:  store,
		bus:    bus,
		audit:  auditLog,
		quotas: make(map[string]types.Quota),
	}

	c.registry, err = registry.New(cfg.Registry, c, store, bus)
	if err != nil {
		return nil, fmt.Errorf("core: build registry: %w", err)
	}
	c.health = registry.NewHealthMonitor(c.registry, c, bus, prober, cfg.Health)

	c.breakerRegistry, err = breaker.New(cfg.Breaker, c, cfg.BreakerMaxKeys)
	if err != nil {
		return nil, fmt.Errorf("core: build breaker registry: %w", err)
	}

	cooldown := cfg.RetryCooldown
	if cooldown <= 0 {
		cooldown = time.Second
	}
	c.cooldown = retry.NewCooldownGate(cooldown)

	c.budgetGate, err = budget.New(cfg.Budget, c, store, bus, c.registry.Tokens(), &quotaAdapter{core: c}, cfg.BudgetThrottleRates)
	if err != nil {
		return nil, fmt.Errorf("core: build budget gate: %w", err)
	}

	c.providers = runtime.NewRegistry()
	c.registerProviders()

	c.routerEngine, err = router.New(cfg.Router, c.registry, c.breakerRegistry, bus)
	if err != nil {
		return nil, fmt.Errorf("core: build router: %w", err)
	}

	c.policyEngine = policy.New()
	c.lifecycleEngine = lifecycle.New(cfg.Lifecycle, c, providerCanceller{}, bus)
	c.fallbackOrch = fallback.New(c.providers, c.routerEngine, c.policyEngine, c, c.breakerRegistry, c.lifecycleEngine, bus)
	c.reconciler = lifecycle.NewReconciler(cfg.Reconciler, c.registry, c, c.registry.Tokens(), c.lifecycleEngine, bus)

	c.fsm.bind(c.registry, c.budgetGate)

	auditLog.RegisterRestorer("instance", c.restoreInstance)
	auditLog.RegisterRestorer("task", c.restoreTask)

	return c, nil
}

// registerProviders installs the runtime provider factories spec §4.3
// describes as a "plug-in": one closure per runtime kind, constructed
// lazily on first Get. RemoteSandbox is registered only when
// RemoteSandboxTarget is set and MicroVM only when EnableMicroVMProvider is
// set; HostSandbox is always registered. For an unregistered kind the
// Fallback Orchestrator's ladder fails that rung with NoEligibleInstance
// instead of a provider dial error at startup.
func (c *Core) registerProviders() {
	if c.cfg.RemoteSandboxTarget != "" {
		target := c.cfg.RemoteSandboxTarget
		c.providers.Register(string(types.RuntimeRemoteSandbox), func() (runtime.Provider, error) {
			return runtime.NewRemoteSandboxProvider(target)
		})
	}
	if c.cfg.EnableMicroVMProvider {
		socket := c.cfg.ContainerdSocketPath
		c.providers.Register(string(types.RuntimeMicroVM), func() (runtime.Provider, error) {
			return runtime.NewMicroVMProvider(socket)
		})
	}
	baseDir := c.cfg.HostSandboxBaseDir
	c.providers.Register(string(types.RuntimeHostSandbox), func() (runtime.Provider, error) {
		return runtime.NewHostSandboxProvider(baseDir)
	})
}

// Apply submits cmd through Raft, satisfying every subsystem's locally
// scoped Applier interface (registry.Applier, breaker.Applier,
// budget.Applier, lifecycle.Applier) plus pkg/fallback.AttemptRecorder.
func (c *Core) Apply(op string, data []byte) error {
	if c.raft == nil {
		return fmt.Errorf("core: raft not initialized")
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	encoded, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("core: marshal command: %w", err)
	}

	future := c.raft.Apply(encoded, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("core: apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if fsmErr, ok := resp.(error); ok && fsmErr != nil {
			return fsmErr
		}
	}
	metrics.RaftLogIndex.Set(float64(c.raft.LastIndex()))
	return nil
}

// RecordAttempt satisfies fallback.AttemptRecorder.
func (c *Core) RecordAttempt(a *types.Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.Apply(OpCreateAttempt, data)
}

// TasksByInstance/TerminalTasksOlderThan/DeleteTask satisfy
// lifecycle.TaskStore by delegating to the durable store directly: task
// read paths don't need an in-memory cache the way Registry/Budget do,
// since the Lifecycle Engine's mailboxes already hold the live view for
// in-flight tasks.
func (c *Core) TasksByInstance(instanceID string) ([]*types.Task, error) {
	return c.store.TasksByInstance(instanceID)
}

func (c *Core) TerminalTasksOlderThan(cutoff time.Time) ([]*types.Task, error) {
	return c.store.TerminalTasksOlderThan(cutoff)
}

func (c *Core) DeleteTask(taskID string) error {
	return c.store.DeleteTask(taskID)
}

// SetQuota installs tenantID's concurrency ceiling (spec §3: Quota
// ownership sits with the caller/CLI, Core only enforces it).
func (c *Core) SetQuota(q types.Quota) {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	c.quotas[q.TenantID] = q
}

func (c *Core) restoreInstance(payload []byte) error {
	var inst types.Instance
	if err := json.Unmarshal(payload, &inst); err != nil {
		return err
	}
	return c.store.UpdateInstance(&inst)
}

func (c *Core) restoreTask(payload []byte) error {
	var task types.Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return err
	}
	return c.store.UpdateTask(&task)
}

// Bootstrap initializes a new single-node Raft cluster. DNS/CA/ingress
// bring-up is out of scope for Conductor (see DESIGN.md); Raft timeouts
// below are tuned for sub-10s failover.
func (c *Core) Bootstrap() error {
	if err := c.startRaft(); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(c.cfg.NodeID), Address: raft.ServerAddress(c.cfg.BindAddr)},
		},
	}
	if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("core: bootstrap cluster: %w", err)
	}

	c.startSubsystems()
	return nil
}

// Join starts this node's Raft instance without bootstrapping a new
// cluster; the existing leader must call AddVoter(nodeID, bindAddr) out
// of band to admit it. Conductor has no generated cluster-membership RPC
// client, so that handshake is left to the operator's admin tooling (an
// AddVoter call against the leader's Core) rather than invented here.
func (c *Core) Join() error {
	if err := c.startRaft(); err != nil {
		return err
	}
	c.startSubsystems()
	return nil
}

func (c *Core) startSubsystems() {
	c.health.Start()
	c.reconciler.Start()
	c.budgetGate.Start()
}

func (c *Core) startRaft() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.cfg.NodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("core: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("core: create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("core: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("core: create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("core: create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("core: create raft: %w", err)
	}
	c.raft = r
	return nil
}

// AddVoter admits a new node to the cluster; only valid on the leader.
func (c *Core) AddVoter(nodeID, address string) error {
	if !c.IsLeader() {
		return fmt.Errorf("core: not the leader, current leader %s", c.LeaderAddr())
	}
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

func (c *Core) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

func (c *Core) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// Subsystem accessors, consumed by the Submission/Worker-Registration API
// layer (cmd/conductor).
func (c *Core) Registry() *registry.Registry     { return c.registry }
func (c *Core) Router() *router.Router           { return c.routerEngine }
func (c *Core) Fallback() *fallback.Orchestrator { return c.fallbackOrch }
func (c *Core) Lifecycle() *lifecycle.Engine     { return c.lifecycleEngine }
func (c *Core) EventBus() *events.Broker         { return c.bus }
func (c *Core) Audit() *audit.Log                { return c.audit }
func (c *Core) Budget() *budget.Gate             { return c.budgetGate }
func (c *Core) Policy() *policy.Policy           { return c.policyEngine }
func (c *Core) Breaker() *breaker.Registry       { return c.breakerRegistry }
func (c *Core) Cooldown() *retry.CooldownGate    { return c.cooldown }
func (c *Core) Tokens() *registry.TokenManager   { return c.registry.Tokens() }

// SetBudget installs tenantID's daily budget ceiling, per spec §3's
// TenantBudget entity (owned by the Budget Gate but populated by
// operator/CLI tooling — see DESIGN.md).
func (c *Core) SetBudget(tenantID string, limit float64) error {
	return c.budgetGate.SetBudget(tenantID, types.BudgetDaily, limit, time.Now().Add(24*time.Hour))
}

// SubmitTask admits task through the Budget Gate, persists it, spawns its
// Lifecycle Engine actor, and dispatches it through the Fallback
// Orchestrator's ladder (spec §6's submitTask). Dispatch runs
// synchronously on the caller's goroutine; a busy system queues naturally
// behind Raft's own commit latency rather than needing a separate worker
// pool here. Once Spawn has handed task's actor goroutine ownership of the
// struct, SubmitTask and the Fallback Orchestrator never write to it again
// directly — every subsequent transition goes through the Lifecycle
// Engine's mailbox.
func (c *Core) SubmitTask(ctx context.Context, task *types.Task, command []string) error {
	if err := c.budgetGate.Admit(task.TenantID, task.BudgetCeiling, task.BudgetOverride, c.hasOverridePermission(task)); err != nil {
		metrics.TasksRejectedTotal.WithLabelValues(task.TenantID, "budget_exceeded").Inc()
		return err
	}

	task.State = types.TaskQueued
	task.SubmittedAt = time.Now()
	task.SchemaVersion = 1

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := c.Apply(OpCreateTask, data); err != nil {
		return err
	}
	metrics.TasksSubmittedTotal.WithLabelValues(task.TenantID).Inc()

	c.lifecycleEngine.Spawn(task)
	c.bus.Publish(&events.Event{Type: events.TaskSubmitted, TaskID: task.ID, TenantID: task.TenantID, Message: "task submitted", Audit: true})
	c.lifecycleEngine.Send(task.ID, lifecycle.EvAdmissionAccepted)
	metrics.TasksAdmittedTotal.WithLabelValues(task.TenantID).Inc()

	ladder := c.policyEngine.AllowedRuntimeKinds(task.TenantID, task)
	c.lifecycleEngine.Send(task.ID, lifecycle.EvRouted)
	return c.fallbackOrch.Dispatch(ctx, task, ladder, command)
}

// CancelTask requests cooperative cancellation of task via its Lifecycle
// Engine actor (spec §4.10).
func (c *Core) CancelTask(taskID string) bool {
	return c.lifecycleEngine.Send(taskID, lifecycle.EvCancel)
}

// GetTask returns task's live in-memory state if its actor is still
// running, falling back to the durable record for terminal tasks.
func (c *Core) GetTask(taskID string) (*types.Task, error) {
	if task, ok := c.lifecycleEngine.Snapshot(taskID); ok {
		return task, nil
	}
	return c.store.GetTask(taskID)
}

func (c *Core) hasOverridePermission(task *types.Task) bool {
	if !task.BudgetOverride {
		return false
	}
	role, err := c.registry.Tokens().Validate(task.OverrideToken)
	return err == nil && role == registry.RoleBudgetOverride
}

// Shutdown stops every subsystem in the reverse of Bootstrap/Join's
// startup order.
func (c *Core) Shutdown() error {
	c.budgetGate.Stop()
	c.reconciler.Stop()
	c.health.Stop()
	c.bus.Stop()

	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("core: shutdown raft: %w", err)
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			return fmt.Errorf("core: close store: %w", err)
		}
	}
	return nil
}
