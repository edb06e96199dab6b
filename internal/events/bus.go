// Package events provides a small non-blocking publish/subscribe bus used for
// job lifecycle events and orchestrator progress.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber queue length
const DefaultBufferSize = 64

// Bus delivers values of type T to subscribers.
// Each subscriber gets its own buffered channel and delivery goroutine; when
// a subscriber falls behind, values are dropped for that subscriber only and
// counted in Dropped. Publish never blocks.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber[T]
	nextID      uint64
	bufferSize  int
	closed      bool
	dropped     atomic.Uint64
	logger      *slog.Logger
}

type subscriber[T any] struct {
	ch   chan T
	done chan struct{} // closed when the delivery goroutine exits
}

// NewBus creates a bus with the given per-subscriber buffer size
func NewBus[T any](bufferSize int) *Bus[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus[T]{
		subscribers: make(map[uint64]*subscriber[T]),
		bufferSize:  bufferSize,
		logger:      slog.Default(),
	}
}

// SetLogger replaces the logger used for drops and subscriber panics
func (b *Bus[T]) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// Subscribe registers fn and returns its unsubscribe function.
// fn runs on a dedicated goroutine; a panic in fn is logged and swallowed.
// Unsubscribe returns once every value already queued for fn was delivered,
// so it must not be called from fn itself.
// Subscribing to a closed bus returns a no-op unsubscribe.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber[T]{ch: make(chan T, b.bufferSize), done: make(chan struct{})}
	b.subscribers[id] = sub

	go func() {
		defer close(sub.done)
		for v := range sub.ch {
			b.deliver(fn, v)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub.ch)
			}
			b.mu.Unlock()
			<-sub.done
		})
	}
}

func (b *Bus[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("Event subscriber panicked", "panic", r)
		}
	}()
	fn(v)
}

// Publish sends v to every subscriber without blocking
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- v:
		default:
			total := b.dropped.Add(1)
			b.logger.Warn("Event subscriber is behind, dropping event", "subscriber", id, "droppedTotal", total)
		}
	}
}

// Dropped returns how many deliveries were dropped across all subscribers
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Len returns the number of active subscribers
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close ends every subscription and waits for queued values to be
// delivered. Later publishes are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber[T], 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}
