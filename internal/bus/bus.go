package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe bus. Subscribers register a
// namespace prefix and receive every event whose Kind starts with it.
// Delivery is non-blocking: a subscriber that falls behind loses events
// rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// Subscriber buffer full; drop.
		}
	}
}

// Subscribe registers a subscriber for the given namespace prefix with the
// given channel buffer size. The returned function removes the
// subscription; it is safe to call more than once.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}
