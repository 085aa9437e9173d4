package events

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// Bus fans events out to subscribers. Emit never blocks: a subscriber whose
// buffer is full misses the event. Each subscriber sees events in emit
// order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int64]chan Event
	nextID  int64
	bufSize int
	dropped atomic.Int64
}

// NewBus creates a bus whose subscribers buffer bufSize events. bufSize < 1
// uses the default.
func NewBus(bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = defaultSubscriberBuffer
	}
	return &Bus{subs: make(map[int64]chan Event), bufSize: bufSize}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes the channel. The function is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.bufSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit implements Sink.
func (b *Bus) Emit(_ context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
