// Package events is Conductor's Event Bus (spec §4.1): non-blocking
// publish, per-subscriber FIFO delivery, dead-subscriber isolation, and
// synchronous persistence for audit-tagged events.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/conductor/pkg/metrics"
)

// Type is the kind of lifecycle fact an Event carries.
type Type string

const (
	TaskSubmitted      Type = "task.submitted"
	TaskAdmitted       Type = "task.admitted"
	TaskRejected       Type = "task.rejected"
	TaskRouted         Type = "task.routed"
	TaskStarted        Type = "task.started"
	TaskAttemptFailed  Type = "task.attempt.failed"
	TaskFallbackBlock  Type = "task.fallback.blocked"
	TaskCompleted      Type = "task.completed"
	TaskCancelled      Type = "task.cancelled"
	InstanceHealthChg  Type = "instance.health.changed"
	InstanceRegistered Type = "instance.registered"
	InstanceRemoved    Type = "instance.removed"
	BudgetOvershoot    Type = "budget.overshoot"
	BudgetAlert        Type = "budget.alert"
)

// Event is a single lifecycle fact.
type Event struct {
	ID         string
	Type       Type
	Timestamp  time.Time
	TenantID   string
	InstanceID string
	TaskID     string
	Message    string
	Metadata   map[string]string
	// Audit marks this event for synchronous, write-ahead persistence
	// (spec §4.1/§4.11); most events are not audit-tagged.
	Audit bool
}

// Filter is a pure predicate over an event's routing fields. A nil Filter
// matches everything.
type Filter func(*Event) bool

// Appender persists an audit-tagged event before Publish returns. It is
// satisfied by pkg/audit.Log.Append, kept as a narrow interface here to
// avoid an import cycle between events and audit.
type Appender interface {
	Append(entityKind, entityID, fromState, toState, actor, reason string, payload []byte) error
}

const subscriberBufferSize = 64

// maxConsecutiveDeliveryFailures is the N in spec §4.1: after this many
// consecutive dropped deliveries a subscriber transitions to dead and its
// queue is freed.
const maxConsecutiveDeliveryFailures = 20

type subscriber struct {
	ch         chan *Event
	filter     Filter
	misses     int32 // consecutive buffer-full drops
	dead       int32 // 0/1, atomic
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	sub *subscriber
	b   *Broker
}

// Close unsubscribes and frees the subscriber's queue.
func (s *Subscription) Close() {
	s.b.unsubscribe(s.sub)
}

// Events returns the channel to range over for delivered events.
func (s *Subscription) Events() <-chan *Event {
	return s.sub.ch
}

// Broker delivers events to subscribers without blocking producers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	eventCh     chan *Event
	stopCh      chan struct{}
	appender    Appender
}

// NewBroker creates a new event broker. appender may be nil, in which case
// audit-tagged events are broadcast but not persisted (used in tests).
func NewBroker(appender Appender) *Broker {
	return &Broker{
		subscribers: make(map[*subscriber]struct{}),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		appender:    appender,
	}
}

// Start begins the broker's asynchronous distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscription. Events not matching filter are
// not counted against the subscriber and are simply not delivered.
func (b *Broker) Subscribe(filter Filter) *Subscription {
	sub := &subscriber{
		ch:     make(chan *Event, subscriberBufferSize),
		filter: filter,
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{sub: sub, b: b}
}

func (b *Broker) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers event to all matching subscribers. It never blocks: a
// full subscriber queue drops the event for that subscriber only and
// increments a dropped counter keyed by reason. Audit-tagged events are
// appended synchronously, before broadcast, per spec §4.1/§4.11.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if event.Audit && b.appender != nil {
		_ = b.appender.Append(
			"event", event.ID, "", string(event.Type),
			"event-bus", event.Message, nil,
		)
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Bus-level buffer full: every subscriber loses this event.
		metrics.EventsDroppedTotal.WithLabelValues("bus_full").Inc()
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	dead := make([]*subscriber, 0)
	for sub := range b.subscribers {
		if atomic.LoadInt32(&sub.dead) == 1 {
			continue
		}
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
			atomic.StoreInt32(&sub.misses, 0)
		default:
			metrics.EventsDroppedTotal.WithLabelValues("subscriber_full").Inc()
			if atomic.AddInt32(&sub.misses, 1) >= maxConsecutiveDeliveryFailures {
				atomic.StoreInt32(&sub.dead, 1)
				dead = append(dead, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range dead {
		b.unsubscribe(sub)
	}
}

// SubscriberCount returns the number of active (non-dead) subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MatchAll returns a Filter that matches any event in types (empty means
// all types), further restricted to tenantID/instanceID/taskID when those
// are non-empty.
func MatchAll(types []Type, tenantID, instanceID, taskID string) Filter {
	typeSet := make(map[Type]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	return func(e *Event) bool {
		if len(typeSet) > 0 {
			if _, ok := typeSet[e.Type]; !ok {
				return false
			}
		}
		if tenantID != "" && e.TenantID != tenantID {
			return false
		}
		if instanceID != "" && e.InstanceID != instanceID {
			return false
		}
		if taskID != "" && e.TaskID != taskID {
			return false
		}
		return true
	}
}
