package events

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/yeti47/chunkvault/ccc/logging"
)

// Handler receives a published event.
type Handler func(Event)

type subscription struct {
	id        uint64
	eventType string
	handler   Handler
}

const wildcard = "*"

// Bus is a synchronous listener registry. Handlers run on the publisher's goroutine,
// in registration order, regardless of whether they subscribed to one type or to all.
type Bus struct {
	mu            sync.RWMutex
	subscriptions []subscription
	nextID        atomic.Uint64
	logger        logging.Logger
}

func NewBus(logger logging.Logger) *Bus {
	return &Bus{logger: logging.OrNop(logger)}
}

// Subscribe registers a handler for one event type and returns its subscription id.
func (b *Bus) Subscribe(eventType string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subscriptions = append(b.subscriptions, subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) uint64 {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription. It reports whether the id was known.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscriptions {
		if sub.id == id {
			b.subscriptions = append(b.subscriptions[:i:i], b.subscriptions[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers event to every matching handler. A panicking handler is logged
// and skipped; delivery continues with the next one.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	matching := make([]subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.eventType == wildcard || sub.eventType == event.EventType() {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		b.safeCall(sub.handler, event)
	}
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"event", event.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(event)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Publisher is the producing side of the bus.
type Publisher interface {
	Publish(event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// NopPublisher drops every event.
var NopPublisher Publisher = nopPublisher{}
