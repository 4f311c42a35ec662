package events

import (
	"sync"
	"sync/atomic"
)

// Bus is a lightweight in-process pub/sub broker using channels. Delivery is
// at most once: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]chan Event
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a listener for a topic and returns the channel and an
// unsubscribe function. Unsubscribing closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(topic Topic, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	b.subs[topic] = append(b.subs[topic], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}

	return ch, unsub
}

// Publish fans the event out to current subscribers without blocking and
// returns how many received it.
func (b *Bus) Publish(topic Topic, ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs[topic] {
		select {
		case ch <- ev:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribers returns the number of listeners on a topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Dropped counts events discarded because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
