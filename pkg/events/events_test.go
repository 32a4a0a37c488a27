package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *Broker {
	b := NewBroker(nil)
	b.Start()
	return b
}

func drain(t *testing.T, ch <-chan *Event, n int) []*Event {
	t.Helper()
	out := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := newTestBroker()
	defer b.Stop()

	sub := b.Subscribe(nil)
	defer sub.Close()

	b.Publish(&Event{Type: TaskSubmitted, TaskID: "t1"})
	b.Publish(&Event{Type: TaskAdmitted, TaskID: "t1"})
	b.Publish(&Event{Type: TaskRouted, TaskID: "t1"})

	got := drain(t, sub.Events(), 3)
	require.Len(t, got, 3)
	assert.Equal(t, TaskSubmitted, got[0].Type)
	assert.Equal(t, TaskAdmitted, got[1].Type)
	assert.Equal(t, TaskRouted, got[2].Type)
}

func TestSubscribeFilterRestrictsDelivery(t *testing.T) {
	b := newTestBroker()
	defer b.Stop()

	sub := b.Subscribe(MatchAll([]Type{TaskCompleted}, "", "", ""))
	defer sub.Close()

	b.Publish(&Event{Type: TaskSubmitted, TaskID: "t1"})
	b.Publish(&Event{Type: TaskCompleted, TaskID: "t1"})

	got := drain(t, sub.Events(), 1)
	assert.Equal(t, TaskCompleted, got[0].Type)

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected extra delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMatchAllFieldFilters(t *testing.T) {
	f := MatchAll(nil, "tenant-a", "", "")
	assert.True(t, f(&Event{TenantID: "tenant-a"}))
	assert.False(t, f(&Event{TenantID: "tenant-b"}))
}

func TestPublishAssignsTimestampWhenZero(t *testing.T) {
	b := newTestBroker()
	defer b.Stop()

	sub := b.Subscribe(nil)
	defer sub.Close()

	before := time.Now()
	b.Publish(&Event{Type: TaskSubmitted})
	got := drain(t, sub.Events(), 1)

	assert.False(t, got[0].Timestamp.Before(before))
}

func TestSubscriberCount(t *testing.T) {
	b := newTestBroker()
	defer b.Stop()

	assert.Equal(t, 0, b.SubscriberCount())
	sub := b.Subscribe(nil)
	assert.Equal(t, 1, b.SubscriberCount())
	sub.Close()

	// unsubscribe happens synchronously under the broker's lock.
	assert.Equal(t, 0, b.SubscriberCount())
}

type recordingAppender struct {
	calls int
}

func (r *recordingAppender) Append(entityKind, entityID, fromState, toState, actor, reason string, payload []byte) error {
	r.calls++
	return nil
}

func TestPublishAuditTaggedAppendsSynchronously(t *testing.T) {
	appender := &recordingAppender{}
	b := NewBroker(appender)
	b.Start()
	defer b.Stop()

	b.Publish(&Event{Type: InstanceHealthChg, Audit: true})

	assert.Equal(t, 1, appender.calls)
}
