package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 64

// TypedBus is a type-safe publish/subscribe bus for events of type T.
type TypedBus[T any] struct {
	mu      sync.RWMutex
	subs    []chan T
	buffer  int
	dropped atomic.Uint64
	closed  bool
	// wait is how long Publish waits on a full subscriber before dropping.
	wait   time.Duration
	onDrop func()
}

// NewTyped creates a TypedBus whose subscriber channels hold buffer events.
func NewTyped[T any](buffer int) *TypedBus[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &TypedBus[T]{buffer: buffer}
}

// NewTypedWait creates a TypedBus whose Publish waits up to wait in total
// for full subscribers before dropping the event for them.
func NewTypedWait[T any](buffer int, wait time.Duration) *TypedBus[T] {
	b := NewTyped[T](buffer)
	b.wait = wait
	return b
}

// Publish sends the event to all subscribers. A subscriber that stays full
// past the bus wait misses the event and the drop is counted.
func (b *TypedBus[T]) Publish(e T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	deadline := time.Now().Add(b.wait)
	for _, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		if b.send(ch, e, time.Until(deadline)) {
			continue
		}
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop()
		}
	}
}

func (b *TypedBus[T]) send(ch chan T, e T, within time.Duration) bool {
	if within <= 0 {
		return false
	}
	timer := time.NewTimer(within)
	defer timer.Stop()
	select {
	case ch <- e:
		return true
	case <-timer.C:
		return false
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *TypedBus[T]) Dropped() uint64 { return b.dropped.Load() }

// Subscribe registers a subscriber and returns its channel.
func (b *TypedBus[T]) Subscribe() <-chan T {
	ch := make(chan T, b.buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *TypedBus[T]) Unsubscribe(sub <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if !b.closed {
				close(ch)
			}
			return
		}
	}
}

// Close closes the bus and all subscriber channels.
func (b *TypedBus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.mu.Unlock()
}
