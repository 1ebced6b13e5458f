package inproc

import (
	"errors"
	"sync"
	"sync/atomic"

	"halforge/internal/domain"
)

var (
	ErrBusClosed           = errors.New("event bus is closed")
	ErrSubscriberQueueFull = errors.New("subscriber queue is full")
)

// Bus fans events out to named subscribers. Publish never blocks: a
// subscriber whose queue is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan domain.Event
	buffer  int
	closed  bool
	dropped atomic.Int64
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Event),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(name string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		return ch
	}
	ch := make(chan domain.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[name] = ch
	return ch
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[name]
	if !ok {
		return
	}
	delete(b.subs, name)
	close(ch)
}

// Publish returns ErrSubscriberQueueFull when at least one subscriber
// dropped the event.
func (b *Bus) Publish(event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	var err error
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			err = ErrSubscriberQueueFull
		}
	}
	return err
}

// Dropped counts events lost to full subscriber queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.subs {
		delete(b.subs, name)
		close(ch)
	}
}
