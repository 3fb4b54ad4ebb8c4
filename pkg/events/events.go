package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventStackCreating    EventType = "stack.creating"
	EventStackReady       EventType = "stack.ready"
	EventStackUpdated     EventType = "stack.updated"
	EventStackDegraded    EventType = "stack.degraded"
	EventStackFailed      EventType = "stack.failed"
	EventStackDestroyed   EventType = "stack.destroyed"
	EventStackVanished    EventType = "stack.vanished"
	EventStackAttached    EventType = "stack.attached"
	EventOrphanRemoved    EventType = "stack.orphan_removed"
	EventTunnelUp         EventType = "tunnel.up"
	EventTunnelStale      EventType = "tunnel.stale"
	EventCDNStarted       EventType = "cdn.started"
	EventCDNExited        EventType = "cdn.exited"
	EventConfigReloaded   EventType = "config.reloaded"
	EventConfigRejected   EventType = "config.rejected"
	EventExposureRemoved  EventType = "exposure.removed"
	EventExposureAdded    EventType = "exposure.added"
	EventDNSVerified      EventType = "dns.verified"
	EventReadinessTimeout EventType = "readiness.timeout"
)

// Event is one lifecycle event of an exposure
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Domain    string            `json:"domain,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers and keeps the most recent ones
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once

	recent []*Event
	next   int
	size   int
}

// NewBroker creates a broker that remembers the last keep events
func NewBroker(keep int) *Broker {
	if keep < 1 {
		keep = 100
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		recent:      make([]*Event, keep),
	}
}

// Start begins the distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the distribution loop
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event. It never blocks a reconciler: when the queue is
// full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	default:
	}
}

// Emit is a shorthand for publishing a domain event
func (b *Broker) Emit(t EventType, domain, message string, metadata map[string]string) {
	b.Publish(&Event{Type: t, Domain: domain, Message: message, Metadata: metadata})
}

// Recent returns the remembered events, oldest first
func (b *Broker) Recent() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Event, 0, b.size)
	start := (b.next - b.size + len(b.recent)) % len(b.recent)
	for i := 0; i < b.size; i++ {
		out = append(out, b.recent[(start+i)%len(b.recent)])
	}
	return out
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
	b.mu.Lock()
	b.recent[b.next] = event
	b.next = (b.next + 1) % len(b.recent)
	if b.size < len(b.recent) {
		b.size++
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
