package events

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

type subscriber struct {
	orgID string
	ch    chan Event
}

// Bus fans events out to in-process subscribers (SSE clients).
type Bus struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for orgID ("" receives every organization).
// The channel is closed when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, orgID string) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscriber{orgID: orgID, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish never blocks. Slow subscribers miss events.
func (b *Bus) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.orgID != "" && s.orgID != evt.OrganizationID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
