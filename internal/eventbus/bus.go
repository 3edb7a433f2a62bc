// Package eventbus broadcasts domain.Event values to every subscriber — the
// fan-out behind the HTTP API's SSE subscribe endpoint. No pub/sub library
// appears anywhere in the example pack (surge's internal/engine/events
// package is a set of bubbletea tea.Msg structs consumed by a single TUI
// update loop, not a multi-subscriber broadcaster), so this hub is
// hand-rolled on top of buffered channels — see DESIGN.md for the
// stdlib-only justification. The shape of Event itself is grounded on that
// surge package's per-kind message structs, collapsed into one tagged
// struct.
package eventbus

import (
	"sync"

	"github.com/flasharr/flasharr/internal/domain"
)

// Event is the payload broadcast on the bus; see domain.Event for field
// semantics per Kind.
type Event = domain.Event

// subscriberBuffer caps how many events a slow subscriber can fall behind
// before being told to drop. SSE clients reading over a slow connection are
// the typical case this protects against.
const subscriberBuffer = 64

// Bus is a broadcast hub: every Publish reaches every current Subscriber. A
// subscriber that falls behind has its oldest buffered event dropped in
// favor of the newest one, and is told so via a Lagged marker event — per
// task events still arrive in order, just possibly with gaps.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Delivery
	next int
}

// Delivery wraps the broadcast payload so a subscriber can distinguish a
// real event from a lag notification without inspecting Kind sentinels.
type Delivery struct {
	Event  Event
	Lagged bool
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan Delivery)}
}

// Subscription is a live feed plus the means to tear it down.
type Subscription struct {
	C      <-chan Delivery
	cancel func()
}

func (s *Subscription) Close() { s.cancel() }

// Subscribe registers a new listener. Callers must Close the subscription
// when done reading to free the bus-side channel.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Delivery, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	return &Subscription{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
		},
	}
}

// Publish fans an event out to every current subscriber. Never blocks: a
// full subscriber channel has its oldest entry evicted to make room, and
// the eviction itself is reported back as a lag marker the next time that
// subscriber reads.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		deliver(ch, Delivery{Event: evt})
	}
}

func deliver(ch chan Delivery, d Delivery) {
	select {
	case ch <- d:
		return
	default:
	}

	// Buffer is full: drop the oldest entry, then mark the next real
	// delivery as having lagged so the subscriber can invalidate its view.
	select {
	case <-ch:
	default:
	}
	d.Lagged = true
	select {
	case ch <- d:
	default:
	}
}

// SubscriberCount reports how many listeners are currently attached.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
