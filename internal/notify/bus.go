// Package notify is the in-process event bus that tells observers a store
// changed.
//
// Producers (the local stores and the reconciler) call Publish; consumers
// call Subscribe with a context and read events until the context ends.
// Publish never blocks: each subscriber has its own queue, and queued
// events for the same store and origin are folded together while the
// subscriber is busy.
package notify

import (
	"context"
	"sync"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/history"
)

// Origin says where a change came from.
type Origin string

const (
	// OriginLocal is a mutation made by this application instance.
	OriginLocal Origin = "local"
	// OriginRemote is a change merged from the remote replica or written by
	// another process.
	OriginRemote Origin = "remote"
)

// Event announces that a store may have changed.
// Changes can be empty; receivers must still treat the event as a signal
// to re-check.
type Event struct {
	Store   activity.StoreID
	Origin  Origin
	Changes []history.Change
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed chan struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener. The returned channel is closed when ctx is
// done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event)
	sub := &subscriber{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer b.remove(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.closed:
				return
			case <-sub.wake:
			}

			for {
				ev, ok := sub.pop()
				if !ok {
					break
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-sub.closed:
					return
				}
			}
		}
	}()

	return out
}

// Publish queues ev for every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.push(ev)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.closed)
		delete(b.subs, sub)
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if n := len(s.queue); n > 0 && s.queue[n-1].Store == ev.Store && s.queue[n-1].Origin == ev.Origin {
		last := &s.queue[n-1]
		last.Changes = append(last.Changes, ev.Changes...)
	} else {
		ev.Changes = append([]history.Change(nil), ev.Changes...)
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}
