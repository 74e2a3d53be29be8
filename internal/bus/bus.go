package bus

import (
	"strings"
	"sync"
)

// Bus is the in-process pub/sub channel that decouples the chat service,
// realtime hub, connectivity monitor and offline queue. Subscribers
// register a kind prefix ("chat.", "net.", "queue.") and receive every
// event whose Kind starts with it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches Kind.
// Delivery is non-blocking: a subscriber with a full buffer misses the
// event rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if strings.HasPrefix(evt.Kind, s.prefix) {
			select {
			case s.ch <- evt:
			default:
				// Full buffer; the subscriber misses this event.
			}
		}
	}
}

// Subscribe registers interest in every event whose Kind starts with
// prefix, buffering up to buffer events. The returned function removes
// the subscription; the channel is never closed.
func (b *Bus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
