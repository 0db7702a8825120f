package events

import (
	"sync"
	"time"

	"github.com/M0-find-U/golem/pkg/golemid"
)

// EventType is the kind of worker-lifecycle event a ConnectWorker stream delivers.
type EventType string

const (
	EventInvocationStarted   EventType = "invocation.started"
	EventInvocationCompleted EventType = "invocation.completed"
	EventInvocationFailed    EventType = "invocation.failed"
	EventStatusChanged       EventType = "status.changed"
	EventLog                 EventType = "log"
	EventStdout              EventType = "stdout"
	EventStderr              EventType = "stderr"
)

// Event is a single worker-log/status notification, the unit a ConnectWorker stream
// delivers to its caller (spec section 6).
type Event struct {
	Worker    golemid.WorkerId
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events for a single ConnectWorker stream.
type Subscriber chan *Event

// Broker fans out worker events to every subscriber watching that worker, so that
// multiple concurrent ConnectWorker callers for the same worker each see the full
// stream independently.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[golemid.WorkerId]map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new, unstarted event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[golemid.WorkerId]map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution; buffered events are dropped.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe opens a stream for worker's events. Callers must Unsubscribe when the
// ConnectWorker RPC returns.
func (b *Broker) Subscribe(worker golemid.WorkerId) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[worker] == nil {
		b.subscribers[worker] = make(map[Subscriber]bool)
	}
	sub := make(Subscriber, 64)
	b.subscribers[worker][sub] = true
	return sub
}

// Unsubscribe closes a stream previously returned by Subscribe.
func (b *Broker) Unsubscribe(worker golemid.WorkerId, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[worker]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, worker)
		}
	}
	close(sub)
}

// Publish enqueues event for delivery to worker's subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
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
	defer b.mu.RUnlock()

	for sub := range b.subscribers[event.Worker] {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full; a ConnectWorker stream that falls behind
			// misses events rather than blocking publication for every caller.
		}
	}
}

// SubscriberCount returns the number of active streams watching worker.
func (b *Broker) SubscriberCount(worker golemid.WorkerId) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[worker])
}
