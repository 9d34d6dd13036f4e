// Package event is a synchronous in-process pub-sub bus decoupling the
// scheduler from observers such as the CLI status stream and the log
// sink. Handlers run inline on the publisher's goroutine; a panicking
// handler is recovered and logged so it cannot stall delivery.
package event

import (
	"log"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
)

// Handler consumes a published event.
type Handler func(Event)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

type subscription struct {
	id      string
	handler Handler
}

// Bus dispatches events to subscribed handlers, specific subscribers
// first, wildcard subscribers after, each group in registration order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for one event type and returns the
// subscription id used to unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe removes a subscription. Returns false when the id is
// unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish delivers the event to all matching handlers synchronously.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[ev.EventType()]...)
	wildcard := append([]subscription(nil), b.subs[Wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, ev)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, ev)
	}
}

func (b *Bus) safeCall(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for %s: %v\n%s",
				ev.EventType(), r, debug.Stack())
		}
	}()
	handler(ev)
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
}
