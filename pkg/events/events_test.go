package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M0-find-U/golem/pkg/golemid"
)

func testWorker(name string) golemid.WorkerId {
	return golemid.WorkerId{Component: golemid.NewComponentId(), Name: name}
}

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	w := testWorker("w1")
	sub := b.Subscribe(w)
	defer b.Unsubscribe(w, sub)

	b.Publish(&Event{Worker: w, Type: EventLog, Message: "hello"})

	select {
	case ev := <-sub:
		assert.Equal(t, "hello", ev.Message)
		assert.Equal(t, EventLog, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribersAreScopedPerWorker(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	w1, w2 := testWorker("w1"), testWorker("w2")
	sub1 := b.Subscribe(w1)
	sub2 := b.Subscribe(w2)
	defer b.Unsubscribe(w1, sub1)
	defer b.Unsubscribe(w2, sub2)

	b.Publish(&Event{Worker: w1, Type: EventLog, Message: "for w1"})

	select {
	case ev := <-sub1:
		assert.Equal(t, "for w1", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("w1 subscriber never received its event")
	}

	select {
	case ev := <-sub2:
		t.Fatalf("w2 subscriber unexpectedly received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	w := testWorker("w1")
	sub := b.Subscribe(w)
	require.Equal(t, 1, b.SubscriberCount(w))

	b.Unsubscribe(w, sub)
	assert.Equal(t, 0, b.SubscriberCount(w))

	_, open := <-sub
	assert.False(t, open)
}

func TestMultipleSubscribersSameWorker(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	w := testWorker("w1")
	sub1 := b.Subscribe(w)
	sub2 := b.Subscribe(w)
	defer b.Unsubscribe(w, sub1)
	defer b.Unsubscribe(w, sub2)

	b.Publish(&Event{Worker: w, Type: EventStatusChanged, Message: "running"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, "running", ev.Message)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received its event")
		}
	}
}
