// Package eventbus fans cycle transition events out to in-process subscribers.
package eventbus

import (
	"context"
	"sync"

	"circle_cycle_engine/internal/domain/cycle"

	"github.com/sirupsen/logrus"
)

// Bus delivers every published event to each subscriber's buffered channel.
// A subscriber whose buffer is full misses the event; the transition log in
// the store stays authoritative.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan cycle.Event
	next    int
	closed  bool
	logger  *logrus.Entry
}

func New(logger *logrus.Entry) *Bus {
	return &Bus{subs: make(map[int]chan cycle.Event), logger: logger}
}

// Subscribe returns a channel of events and a func that ends the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan cycle.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan cycle.Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *Bus) Publish(_ context.Context, e cycle.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.WithFields(logrus.Fields{
				"subscriber": id,
				"cycle_id":   e.CycleID,
				"sequence":   e.Sequence,
			}).Warn("Subscriber buffer full, event dropped")
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
