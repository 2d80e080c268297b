package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of event carried on the bus.
type EventType string

const (
	EventBlockProposed       EventType = "consensus.block_proposed"
	EventBlockFinalized      EventType = "consensus.block_finalized"
	EventViewChanged         EventType = "consensus.view_changed"
	EventStateChanged        EventType = "consensus.state_changed"
	EventTransactionIncluded EventType = "consensus.transaction_included"

	EventPeerSyncStarted EventType = "replication.peer_sync_started"
	EventPeerSyncDone    EventType = "replication.peer_sync_done"
	EventPeerDead        EventType = "replication.peer_dead"

	EventWorkflowRunCompleted EventType = "ci.run_completed"
	EventJobCompleted         EventType = "ci.job_completed"
)

// Event is a single item published on the bus. Metadata carries
// event-specific fields as strings so that one concrete type can
// represent every event kind above, matching the node's event-bus
// contract: in-order, non-reordering, best-effort delivery to slow
// subscribers.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and fan-out distribution. A full
// subscriber's channel causes that event to be dropped for it; other
// subscribers are unaffected.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 128)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers, preserving emission
// order: events are handed to a single internal channel and broadcast
// by one goroutine, so subscribers never observe reordering.
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

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop for this subscriber only
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
