// Package feed is the change feed observers subscribe to. Publishing is best
// effort: state transitions are committed in the store before an event is
// published, and a lost event never affects dialing.
package feed

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindSession   Kind = "session"
	KindQueueItem Kind = "queue_item"
	KindCall      Kind = "active_call"
	KindInbound   Kind = "call_record"
)

// Event announces that a record changed. Observers re-read the store for detail.
type Event struct {
	Kind           Kind      `json:"kind"`
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Status         string    `json:"status"`
	At             time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber streams an organization's events until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, orgID string) (<-chan Event, error)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Hub is an in-process Publisher and Subscriber.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: map[string]map[chan Event]struct{}{}, buffer: buffer}
}

// Publish never blocks; slow subscribers miss events.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.OrganizationID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, orgID string) (<-chan Event, error) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	if h.subs[orgID] == nil {
		h.subs[orgID] = map[chan Event]struct{}{}
	}
	h.subs[orgID][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[orgID], ch)
		if len(h.subs[orgID]) == 0 {
			delete(h.subs, orgID)
		}
		h.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Subscribers returns the number of live subscriptions for orgID.
func (h *Hub) Subscribers(orgID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orgID])
}
