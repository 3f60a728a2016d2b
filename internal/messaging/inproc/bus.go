package inproc

import (
	"errors"
	"sync"

	"yardkit/internal/domain"
)

var ErrSubscriberQueueFull = errors.New("subscriber queue is full")

// Bus fans run lifecycle notifications out to named subscribers. Publish never blocks: a
// subscriber that falls behind misses notifications and the publisher is told so.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Lifecycle
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Lifecycle),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(name string) <-chan domain.Lifecycle {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		return ch
	}
	ch := make(chan domain.Lifecycle, b.buffer)
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

// Publish delivers msg to every subscriber. It returns ErrSubscriberQueueFull when at least one
// subscriber dropped it.
func (b *Bus) Publish(msg domain.Lifecycle) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var dropped error
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			dropped = ErrSubscriberQueueFull
		}
	}
	return dropped
}
