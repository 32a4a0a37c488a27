// Package fallback is Conductor's Fallback Orchestrator (spec §4.5): walks
// a ranked list of runtime kinds for a Task, attempting spawn+execute on
// each until one succeeds, a permanent failure is hit, or the policy gate
// blocks a descent.
package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/conductor/pkg/breaker"
	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/lifecycle"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/retry"
	"github.com/cuemby/conductor/pkg/runtime"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// DefaultLadder is the default ranked runtime-kind list (spec §4.5).
var DefaultLadder = []types.RuntimeKind{
	types.RuntimeRemoteSandbox,
	types.RuntimeMicroVM,
	types.RuntimeHostSandbox,
}

// InstanceFinder locates a candidate instance offering kind, restricted to
// the Task's requirements (capabilities, region, health, breaker state).
// Satisfied by pkg/router.Router.
type InstanceFinder interface {
	PickForKind(task *types.Task, kind types.RuntimeKind) (*types.Instance, error)
}

// Policy consults tenant policy before each descent (spec §4.5's "Policy
// gate"). Satisfied by pkg/policy.Policy.
type Policy interface {
	AllowedRuntimeKinds(tenantID string, task *types.Task) []types.RuntimeKind
	MayFallbackTo(task *types.Task, kind types.RuntimeKind) bool
}

// AttemptRecorder persists Attempt records through Core's durable write
// path. Defined locally to avoid an import cycle with pkg/core.
type AttemptRecorder interface {
	RecordAttempt(a *types.Attempt) error
}

// BreakerExecutor gates a runtime call through the Circuit Breaker (spec
// §4.2): op runs only while key's breaker is Closed, or HalfOpen with its
// probe slot free. Satisfied by pkg/breaker.Registry.
type BreakerExecutor interface {
	Execute(key, instanceID string, op func() error) error
}

// Orchestrator runs the fallback ladder for a Task.
type Orchestrator struct {
	providers *runtime.Registry
	finder    InstanceFinder
	policy    Policy
	recorder  AttemptRecorder
	breaker   BreakerExecutor
	lifecycle *lifecycle.Engine
	bus       *events.Broker
	log       zerolog.Logger
}

func New(providers *runtime.Registry, finder InstanceFinder, policy Policy, recorder AttemptRecorder, breaker BreakerExecutor, lifecycleEngine *lifecycle.Engine, bus *events.Broker) *Orchestrator {
	return &Orchestrator{
		providers: providers,
		finder:    finder,
		policy:    policy,
		recorder:  recorder,
		breaker:   breaker,
		lifecycle: lifecycleEngine,
		bus:       bus,
		log:       log.Component("fallback"),
	}
}

// runtimeKindKey maps a RuntimeKind to its runtime.Registry factory key.
func runtimeKindKey(kind types.RuntimeKind) string {
	return string(kind)
}

// breakerKey is the per-(provider-kind, instance) breaker key (spec §3:
// "Keys are (provider-kind, instance-id) for per-worker isolation"),
// matching the format pkg/router.Router's BreakerStater consults.
func breakerKey(kind types.RuntimeKind, instanceID string) string {
	return string(kind) + "/" + instanceID
}

// Dispatch runs the ladder for task, trying each kind in order (spec
// §4.5). ladder should be DefaultLadder filtered by Policy.AllowedRuntimeKinds
// for the task's tenant; callers that don't have a specific ladder may pass
// nil, in which case Dispatch asks Policy.AllowedRuntimeKinds itself and
// uses DefaultLadder when that returns nil.
//
// Dispatch never mutates task directly: every outcome is reported through
// the Lifecycle Engine's mailbox (spec §9), since task's actor goroutine is
// its only legitimate writer once Spawn has been called for it.
func (o *Orchestrator) Dispatch(ctx context.Context, task *types.Task, ladder []types.RuntimeKind, command []string) error {
	if ladder == nil {
		ladder = o.policy.AllowedRuntimeKinds(task.TenantID, task)
		if ladder == nil {
			ladder = DefaultLadder
		}
	}

	var errs *multierror.Error
	attemptIndex := 0

	for i, kind := range ladder {
		if i > 0 && !o.policy.MayFallbackTo(task, kind) {
			o.bus.Publish(&events.Event{
				Type: events.TaskFallbackBlock, TaskID: task.ID, TenantID: task.TenantID,
				Message: "policy blocked fallback to " + string(kind), Audit: true,
			})
			o.lifecycle.SendTransition(task.ID, lifecycle.Transition{
				Event: lifecycle.EvPermanentFail, Reason: string(cerrors.PolicyDenied),
			})
			return cerrors.New(cerrors.PolicyDenied, "policy blocked fallback to "+string(kind))
		}

		// sameKindAttempt counts attempts against this one rung, per spec
		// §4.6: a Transient-remote error retries the same runtime kind
		// (ideally the same instance, via the Router's affinity) before
		// the ladder descends to the next kind.
		for sameKindAttempt := 1; ; sameKindAttempt++ {
			attemptIndex++
			err := o.attempt(ctx, task, kind, command, attemptIndex)
			if err == nil {
				return nil
			}

			errKind := classifyBreakerErr(err)
			decision := retry.Classify(errKind)

			if decision == retry.NoRetry {
				o.lifecycle.SendTransition(task.ID, lifecycle.Transition{
					Event: lifecycle.EvPermanentFail, Reason: string(errKind),
				})
				return err
			}

			errs = multierror.Append(errs, err)

			if decision == retry.RetrySameKind && retry.ShouldRetry(task.Retry, sameKindAttempt) {
				o.lifecycle.Send(task.ID, lifecycle.EvTransientFail)
				if delay := retry.Delay(task.Retry, sameKindAttempt); delay > 0 {
					timer := time.NewTimer(delay)
					select {
					case <-timer.C:
					case <-ctx.Done():
						timer.Stop()
						o.lifecycle.SendTransition(task.ID, lifecycle.Transition{
							Event: lifecycle.EvPermanentFail, Reason: ctx.Err().Error(),
						})
						return ctx.Err()
					}
				}
				continue
			}

			// RetryViaFallback, DeferToQueue, or same-kind retries
			// exhausted: descend the ladder to the next rung.
			o.lifecycle.Send(task.ID, lifecycle.EvTransientFail)
			break
		}
	}

	o.lifecycle.SendTransition(task.ID, lifecycle.Transition{
		Event: lifecycle.EvPermanentFail, Reason: string(cerrors.AllProvidersExhausted),
	})
	o.bus.Publish(&events.Event{
		Type: events.TaskCompleted, TaskID: task.ID, TenantID: task.TenantID,
		Message: "all providers exhausted", Audit: true,
	})
	if errs != nil {
		return errs.ErrorOrNil()
	}
	return cerrors.New(cerrors.AllProvidersExhausted, "no runtime kind in ladder succeeded")
}

func (o *Orchestrator) attempt(ctx context.Context, task *types.Task, kind types.RuntimeKind, command []string, attemptIndex int) error {
	inst, err := o.finder.PickForKind(task, kind)
	if err != nil {
		return cerrors.Wrap(cerrors.NoEligibleInstance, "no instance for kind "+string(kind), err)
	}

	provider, err := o.providers.Get(runtimeKindKey(kind))
	if err != nil {
		return cerrors.Wrap(cerrors.NoEligibleInstance, "runtime provider unavailable", err)
	}

	attempt := &types.Attempt{
		TaskID: task.ID, Index: attemptIndex, InstanceID: inst.ID,
		RuntimeKind: kind, StartedAt: time.Now(), SchemaVersion: 1,
	}

	var sess *runtime.Session
	key := breakerKey(kind, inst.ID)
	spawnErr := o.breaker.Execute(key, "", func() error {
		var spawnErr error
		sess, spawnErr = provider.Spawn(ctx, runtime.SpawnConfig{Ceilings: taskCeilings(task)})
		return spawnErr
	})
	if spawnErr != nil {
		attempt.Outcome = types.AttemptFailed
		attempt.EndedAt = time.Now()
		attempt.ErrorClass = string(classifyBreakerErr(spawnErr))
		_ = o.recorder.RecordAttempt(attempt)
		o.emitAttemptFailed(task, attempt)
		return spawnErr
	}

	o.lifecycle.SendTransition(task.ID, lifecycle.Transition{Event: lifecycle.EvStarted, InstanceID: inst.ID})

	var result *runtime.ExecResult
	execErr := o.breaker.Execute(key, "", func() error {
		var execErr error
		result, execErr = provider.Execute(ctx, sess, command, runtime.ExecOptions{})
		return execErr
	})
	_ = provider.Destroy(ctx, sess)

	attempt.EndedAt = time.Now()
	if execErr != nil {
		attempt.Outcome = types.AttemptFailed
		attempt.ErrorClass = string(classifyBreakerErr(execErr))
		_ = o.recorder.RecordAttempt(attempt)
		o.emitAttemptFailed(task, attempt)
		return execErr
	}

	attempt.Outcome = types.AttemptOK
	if result != nil {
		attempt.ObservedCost = float64(result.DurationMs) / 1000
	}
	if err := o.recorder.RecordAttempt(attempt); err != nil {
		return err
	}

	o.lifecycle.Send(task.ID, lifecycle.EvOK)
	o.bus.Publish(&events.Event{
		Type: events.TaskCompleted, TaskID: task.ID, TenantID: task.TenantID,
		InstanceID: inst.ID, Message: "task succeeded", Audit: true,
	})
	return nil
}

// classifyBreakerErr reports the error taxonomy Kind backing err, treating
// the breaker's own ErrOpen as CircuitOpen (spec §4.6's classification
// table) rather than letting it fall through KindOf's "unknown" case. Any
// other error that carries no taxonomy Kind yields the empty Kind.
func classifyBreakerErr(err error) cerrors.Kind {
	if errors.Is(err, breaker.ErrOpen) {
		return cerrors.CircuitOpen
	}
	k, _ := cerrors.KindOf(err)
	return k
}

func (o *Orchestrator) emitAttemptFailed(task *types.Task, a *types.Attempt) {
	o.bus.Publish(&events.Event{
		Type: events.TaskAttemptFailed, TaskID: task.ID, TenantID: task.TenantID,
		InstanceID: a.InstanceID, Message: "attempt failed: " + a.ErrorClass, Audit: true,
	})
}

func taskCeilings(task *types.Task) types.ResourceCeilings {
	// Tasks do not themselves carry ceilings (those live on the Instance);
	// placeholder ceilings are zero-value, meaning "no explicit ceiling
	// requested", and the chosen provider applies its own defaults.
	return types.ResourceCeilings{}
}
