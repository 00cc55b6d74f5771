package engine

import (
	"sync"
	"time"
)

type subscriber struct {
	fn    func(Event)
	types map[EventType]bool // nil = all
}

// EventBus delivers events synchronously to its subscribers in
// registration order. Handlers must not block.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	order  []int
	nextID int
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscriber)}
}

// Subscribe registers fn for every event and returns its id.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.add(&subscriber{fn: fn})
}

// SubscribeTypes registers fn for the listed event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.add(&subscriber{fn: fn, types: set})
}

func (b *EventBus) add(s *subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = s
	b.order = append(b.order, b.nextID)
	return b.nextID
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

// Emit stamps the event and calls every matching subscriber.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		s := b.subs[id]
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		targets = append(targets, s.fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(e)
	}
}
