package events

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// Publisher is the write side of the bus. The controller and ranker depend
// on this interface only.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to subscribers. Publish never blocks: an event is
// dropped for any subscriber whose buffer is full, and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	closed  bool
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber and returns its channel. The channel
// is closed when the bus closes.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs = append(b.subs, ch)

	return ch
}

// Publish delivers ev to every subscriber that has buffer space.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
