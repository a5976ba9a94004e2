package notify

import (
	"context"
	"sync"
)

// Broadcaster delivers events to in-process subscribers. Slow subscribers
// miss events rather than block the publisher.
type Broadcaster struct {
	subscribers []chan TurnEvent
	mu          sync.RWMutex
	closed      bool
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Publish implements Publisher.
func (b *Broadcaster) Publish(_ context.Context, event TurnEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber channel full, skip
		}
	}
	return nil
}

// Subscribe creates a channel for receiving events.
func (b *Broadcaster) Subscribe() chan TurnEvent {
	ch := make(chan TurnEvent, 50)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broadcaster) Unsubscribe(ch chan TurnEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
	b.closed = true
}
