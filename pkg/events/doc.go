/*
Package events implements Conductor's Event Bus (spec §4.1): non-blocking
publish, per-subscriber filtered delivery, and at-least-once semantics.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Publish(event) ──▶ run() loop ──▶ broadcast(event)       │
	│                                        │                   │
	│                      ┌─────────────────┼─────────────────┐ │
	│                      ▼                 ▼                 ▼ │
	│               subscriber 1      subscriber 2      subscriber N │
	│               (filter, chan)    (filter, chan)    (filter, chan) │
	│               buffered 64       buffered 64        buffered 64 │
	└────────────────────────────────────────────────────────────┘

Publish never blocks the caller: a full subscriber channel drops the
event for that subscriber only and increments EventsDroppedTotal, keyed
by reason (pkg/metrics). A subscriber that fails maxConsecutiveDeliveryFailures
deliveries in a row is torn down and its channel freed. Events tagged
Audit are appended to the durable Audit Log (via the Appender interface)
synchronously, before Publish returns, so audited facts never depend on a
subscriber keeping up.

# Usage

	broker := events.NewBroker(auditLog)
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.MatchAll(nil, "tenant-a", "", ""))
	defer sub.Close()
	for evt := range sub.Events() {
		...
	}

	broker.Publish(&events.Event{Type: events.TaskRouted, TaskID: id, Audit: true})

# Ordering

Delivery to a given subscriber is FIFO in publication order (spec §4.1,
§8 property 7); there is no ordering guarantee across subscribers.
*/
package events
