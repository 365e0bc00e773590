package events

import "sync"

// Bus is an in-process pub/sub broker for execution lifecycle topics.
// Delivery is best-effort: a subscriber that falls behind loses payloads
// instead of stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	topics map[Event]map[int]chan any
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[Event]map[int]chan any)}
}

// Subscribe registers a listener for one topic. The returned func removes
// the subscription and closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[e] == nil {
		b.topics[e] = make(map[int]chan any)
	}
	b.nextID++
	id := b.nextID
	ch := make(chan any, buffer)
	b.topics[e][id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.topics[e][id]; ok {
			delete(b.topics[e], id)
			close(sub)
		}
	}
	return ch, unsub
}

// Publish fans payload out to every subscriber of the topic without
// blocking. Full subscriber buffers drop the payload.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[e] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Subscribers reports how many listeners a topic currently has.
func (b *Bus) Subscribers(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[e])
}
