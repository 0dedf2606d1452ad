package realtime

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// subscriptionBuffer is the number of undelivered events a subscriber may lag by
const subscriptionBuffer = 64

// Relay forwards published events to other API instances. The relay is
// responsible for handing the event back to Deliver on every instance,
// including this one.
type Relay interface {
	Forward(e Event)
}

// Broker fans row change events out to in-process subscriptions
type Broker struct {
	mu    sync.RWMutex
	subs  map[string]*Subscription
	relay Relay
}

// Subscription receives matching events on C until Close is called
type Subscription struct {
	ID     string
	Table  Table
	Filter Filter
	C      chan Event

	events map[EventType]bool
	broker *Broker
	once   sync.Once
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]*Subscription)}
}

// SetRelay routes Publish through r instead of delivering locally
func (b *Broker) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Subscribe registers interest in events on table that pass filter.
// With no event types every type is delivered.
func (b *Broker) Subscribe(table Table, filter Filter, events ...EventType) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		Table:  table,
		Filter: filter,
		C:      make(chan Event, subscriptionBuffer),
		events: make(map[EventType]bool, len(events)),
		broker: b,
	}
	for _, t := range events {
		sub.events[t] = true
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	activeSubscriptions.Inc()
	return sub
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.ID)
		close(s.C)
		s.broker.mu.Unlock()
		activeSubscriptions.Dec()
	})
}

func (s *Subscription) wants(e Event) bool {
	if s.Table != e.Table {
		return false
	}
	if len(s.events) > 0 && !s.events[e.Type] {
		return false
	}
	return s.Filter.Matches(e)
}

// Publish announces a row change to every subscriber, through the relay when one is set
func (b *Broker) Publish(e Event) {
	eventsPublished.WithLabelValues(string(e.Table), string(e.Type)).Inc()

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()

	if relay != nil {
		relay.Forward(e)
		return
	}
	b.Deliver(e)
}

// Deliver hands e to local subscriptions without blocking. A subscriber
// whose buffer is full misses the event.
func (b *Broker) Deliver(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.C <- e:
		default:
			eventsDropped.Inc()
			log.Printf("Realtime: subscriber %s is lagging, dropped %s %s event", sub.ID, e.Table, e.Type)
		}
	}
}

// SubscriptionCount returns the number of open subscriptions
func (b *Broker) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
