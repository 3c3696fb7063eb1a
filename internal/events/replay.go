package events

import (
	"context"
	"sync"
)

// Replay is a multicast stream that remembers the latest value. New
// subscribers receive that value immediately. Subscriber channels hold one
// value; a slow subscriber only ever sees the most recent one.
type Replay[T any] struct {
	mu     sync.Mutex
	latest T
	has    bool
	closed bool
	nextID uint64
	subs   map[uint64]*replaySub[T]
}

type replaySub[T any] struct {
	ch   chan T
	done chan struct{}
}

// NewReplay creates an empty broadcaster.
func NewReplay[T any]() *Replay[T] {
	return &Replay[T]{subs: make(map[uint64]*replaySub[T])}
}

// Publish stores v as the latest value and offers it to every subscriber.
func (r *Replay[T]) Publish(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.latest = v
	r.has = true
	for _, s := range r.subs {
		offer(s.ch, v)
	}
}

// offer replaces any unread value. Only publishers send, and they hold the
// lock, so the second send cannot block.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// Latest returns the most recently published value.
func (r *Replay[T]) Latest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.has
}

// Subscribe returns a channel that yields the latest value (if any) followed
// by every later one. The channel is closed when ctx is done or the
// broadcaster is closed.
func (r *Replay[T]) Subscribe(ctx context.Context) <-chan T {
	s := &replaySub[T]{ch: make(chan T, 1), done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = s
	if r.has {
		s.ch <- r.latest
	}
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			r.unsubscribe(id)
		case <-s.done:
		}
	}()
	return s.ch
}

func (r *Replay[T]) unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(s.ch)
	}
}

// SubscriberCount returns the number of open subscriptions.
func (r *Replay[T]) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close closes every subscriber channel. Later publishes are ignored and
// later subscriptions receive a closed channel.
func (r *Replay[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, s := range r.subs {
		delete(r.subs, id)
		close(s.ch)
		close(s.done)
	}
}
