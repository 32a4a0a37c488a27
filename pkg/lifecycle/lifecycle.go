// Package lifecycle is Conductor's Task Lifecycle Engine (spec §4.10): the
// canonical per-Task state machine, built as an actor with a private
// mailbox (spec §9 Design Notes: "a message-handling actor with a private
// mailbox that owns its state ... Prefer (a) for components with
// multi-step transactions (Lifecycle Engine)") rather than a shared-
// mutable manager object with method-local locking.
package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Event is a lifecycle transition trigger (spec §4.10's table).
type Event int

const (
	EvAdmissionAccepted Event = iota
	EvAdmissionRejected
	EvRouted
	EvStarted
	EvOK
	EvTransientFail
	EvPermanentFail
	EvDeadlineExceeded
	EvCancel
)

// Canceller signals the runtime provider hosting a Task's current attempt
// to cancel the session. Satisfied by an adapter over runtime.Provider
// bound to the Task's current Session.
type Canceller interface {
	Cancel(ctx context.Context, taskID string) (confirmed bool)
}

// Applier persists Task transitions through Core's durable write path.
// Defined locally to avoid an import cycle with pkg/core.
type Applier interface {
	Apply(op string, data []byte) error
}

const OpUpdateTask = "update_task"

// Config tunes the Engine.
type Config struct {
	CancelGrace time.Duration
}

func DefaultConfig() Config {
	return Config{CancelGrace: 5 * time.Second}
}

// Transition is one event delivered to a Task's actor, carrying whatever
// extra data that event's apply() case needs (the instance a dispatch
// bound to, the reason a terminal transition recorded) without any caller
// other than the actor itself touching the Task struct.
type Transition struct {
	Event      Event
	InstanceID string
	Reason     string
}

// mailbox is one Task actor's private inbox; only the goroutine running
// run() ever reads task or mutates it, so no lock is needed around the
// Task struct itself.
type mailbox struct {
	task   *types.Task
	inbox  chan Transition
	cancel context.CancelFunc
}

// Engine owns the canonical per-Task state machine.
type Engine struct {
	applier   Applier
	canceller Canceller
	bus       *events.Broker
	cfg       Config
	log       zerolog.Logger

	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

func New(cfg Config, applier Applier, canceller Canceller, bus *events.Broker) *Engine {
	return &Engine{
		applier:   applier,
		canceller: canceller,
		bus:       bus,
		cfg:       cfg,
		log:       log.Component("lifecycle"),
		mailboxes: make(map[string]*mailbox),
	}
}

// Spawn creates a new actor for task and starts its run loop. Call once
// per Task, at submission.
func (e *Engine) Spawn(task *types.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	mb := &mailbox{task: task, inbox: make(chan Transition, 8), cancel: cancel}

	e.mu.Lock()
	e.mailboxes[task.ID] = mb
	e.mu.Unlock()

	go e.run(ctx, mb)
}

// Send delivers an event to task's actor. Non-blocking: a full mailbox
// (8 events outstanding for one Task) indicates a stuck actor and the
// event is dropped rather than blocking the caller.
func (e *Engine) Send(taskID string, ev Event) bool {
	return e.SendTransition(taskID, Transition{Event: ev})
}

// SendTransition delivers t to task's actor. Callers outside the actor's
// own goroutine (the Fallback Orchestrator, the Reconciler) use this
// instead of touching the Task struct directly: t.InstanceID and t.Reason
// let apply() record the binding/reason a plain Event can't carry, while
// the actor goroutine remains the only writer of Task fields.
func (e *Engine) SendTransition(taskID string, t Transition) bool {
	e.mu.Lock()
	mb, ok := e.mailboxes[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case mb.inbox <- t:
		return true
	default:
		e.log.Warn().Str("task_id", taskID).Msg("mailbox full, dropping event")
		return false
	}
}

func (e *Engine) run(ctx context.Context, mb *mailbox) {
	task := mb.task

	var deadlineC <-chan time.Time
	if !task.Deadline.IsZero() {
		d := time.Until(task.Deadline)
		if d <= 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadlineC = timer.C
	}

	for {
		select {
		case t := <-mb.inbox:
			if e.apply(ctx, mb, t) {
				e.finish(mb.task.ID)
				return
			}
		case <-deadlineC:
			if task.State == types.TaskRunning {
				e.transitionTimedOut(ctx, task)
				e.finish(task.ID)
				return
			}
		}
	}
}

// apply runs one state transition per spec §4.10's table. Returns true
// when the Task has reached a terminal state and its actor should stop.
func (e *Engine) apply(ctx context.Context, mb *mailbox, t Transition) bool {
	task := mb.task
	ev := t.Event

	switch {
	case task.State == types.TaskQueued && ev == EvAdmissionAccepted:
		task.State = types.TaskAdmitted
	case task.State == types.TaskQueued && ev == EvAdmissionRejected:
		task.State = types.TaskFailed
		task.TerminalAt = time.Now()
	case task.State == types.TaskAdmitted && ev == EvRouted:
		task.State = types.TaskDispatched
	case task.State == types.TaskDispatched && ev == EvStarted:
		task.State = types.TaskRunning
		if t.InstanceID != "" {
			task.AssignedInstanceID = t.InstanceID
		}
	case task.State == types.TaskRunning && ev == EvOK:
		task.State = types.TaskSucceeded
		task.TerminalAt = time.Now()
	case task.State == types.TaskRunning && ev == EvTransientFail:
		// The caller (Fallback Orchestrator) has already consulted the
		// Task's RetryPolicy and the ladder's remaining rungs before
		// choosing this event over EvPermanentFail; the Engine only
		// records the resulting transition.
		task.State = types.TaskDispatched
	case task.State == types.TaskDispatched && ev == EvTransientFail:
		// A spawn attempt failed before the Task ever reached Running;
		// the state doesn't move, but the transition still passes through
		// the actor so every attempt is persisted and ordered correctly.
	case (task.State == types.TaskRunning || task.State == types.TaskDispatched) && ev == EvPermanentFail:
		task.State = types.TaskFailed
		task.TerminalAt = time.Now()
		if t.Reason != "" {
			task.TerminalReason = t.Reason
		}
	case task.State == types.TaskRunning && ev == EvDeadlineExceeded:
		e.transitionTimedOut(ctx, task)
	case (task.State == types.TaskAdmitted || task.State == types.TaskDispatched || task.State == types.TaskRunning) && ev == EvCancel:
		e.transitionCancelled(ctx, task)
	default:
		e.log.Warn().Str("task_id", task.ID).Str("state", string(task.State)).Int("event", int(ev)).Msg("ignored event: no valid transition")
		return false
	}

	e.persist(task)
	return task.State.Terminal()
}

func (e *Engine) transitionTimedOut(ctx context.Context, task *types.Task) {
	task.State = types.TaskTimedOut
	task.TerminalAt = time.Now()
	task.TerminalReason = "deadline exceeded"
	e.requestCancel(ctx, task)
	e.persist(task)
	e.bus.Publish(&events.Event{Type: events.TaskCancelled, TaskID: task.ID, TenantID: task.TenantID, Message: "timed out", Audit: true})
}

// transitionCancelled implements the cooperative-cancel-with-grace-period
// semantics of spec §4.10: the provider is signalled, and the Task moves
// to Cancelled regardless of whether the provider confirms within
// cancelGrace.
func (e *Engine) transitionCancelled(ctx context.Context, task *types.Task) {
	confirmed := e.requestCancel(ctx, task)
	task.State = types.TaskCancelled
	task.TerminalAt = time.Now()
	if !confirmed {
		e.bus.Publish(&events.Event{
			Type: events.InstanceHealthChg, InstanceID: task.AssignedInstanceID,
			Message: "cancel not confirmed within grace period, flagging for health check", Audit: true,
		})
	}
	e.persist(task)
}

func (e *Engine) requestCancel(ctx context.Context, task *types.Task) bool {
	if e.canceller == nil {
		return true
	}
	cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.CancelGrace)
	defer cancel()
	return e.canceller.Cancel(cancelCtx, task.ID)
}

func (e *Engine) persist(task *types.Task) {
	task.SchemaVersion = 1
	data, err := json.Marshal(task)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", task.ID).Msg("marshal task")
		return
	}
	if err := e.applier.Apply(OpUpdateTask, data); err != nil {
		e.log.Error().Err(err).Str("task_id", task.ID).Msg("apply task update")
	}
}

func (e *Engine) finish(taskID string) {
	e.mu.Lock()
	if mb, ok := e.mailboxes[taskID]; ok {
		mb.cancel()
		delete(e.mailboxes, taskID)
	}
	e.mu.Unlock()
}

// Snapshot returns the current in-memory state of task's actor, if live.
func (e *Engine) Snapshot(taskID string) (*types.Task, bool) {
	e.mu.Lock()
	mb, ok := e.mailboxes[taskID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	cp := *mb.task
	return &cp, true
}

// ActiveCountForTenant returns the number of tenantID's tasks with a live
// actor (i.e. not yet terminal), feeding the Budget Gate's MaxActiveTasks
// quota check.
func (e *Engine) ActiveCountForTenant(tenantID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, mb := range e.mailboxes {
		if mb.task.TenantID == tenantID {
			count++
		}
	}
	return count
}
