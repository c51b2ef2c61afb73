// Package events is the now-playing state sink: a non-blocking
// publish-subscribe bus that also remembers the latest update.
package events

import (
	"sync"

	"github.com/micro-nova/planetradio-go/internal/models"
)

const subBufferSize = 8

// Bus is a non-blocking publish-subscribe event bus.
// Subscribers that are slow to consume events will have events dropped rather
// than blocking publishers.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]chan models.NowPlaying
	last    models.NowPlaying
	hasLast bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]chan models.NowPlaying),
	}
}

// Subscribe creates a new subscription with the given ID. The latest update,
// if any, is delivered first so a new listener starts with current state.
// Call Unsubscribe when done to clean up.
func (b *Bus) Subscribe(id string) <-chan models.NowPlaying {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan models.NowPlaying, subBufferSize)
	if b.hasLast {
		ch <- b.last
	}
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish records np as the latest update and sends it to all subscribers.
// If a subscriber's channel is full, the event is dropped (non-blocking).
func (b *Bus) Publish(np models.NowPlaying) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = np
	b.hasLast = true
	for _, ch := range b.subs {
		select {
		case ch <- np:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Last returns the most recent update and whether one has been published.
func (b *Bus) Last() (models.NowPlaying, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
