// Package inflight tracks outgoing requests by request id so they can be
// aborted from outside the goroutine that issued them. Registering a second
// request under an id that is still in flight aborts the first one.
package inflight

import (
	"context"
	"errors"
	"sync"
	"time"
)

// abortError is the cause of a deliberately aborted request. It reports
// itself as a cancellation so callers can tell it apart from a failure.
type abortError string

func (e abortError) Error() string { return string(e) }

// Cancelled always returns true.
func (abortError) Cancelled() bool { return true }

var (
	// ErrCancelled is the cause attached to requests aborted through Cancel.
	ErrCancelled error = abortError("request cancelled")
	// ErrSuperseded is the cause attached to requests replaced by a newer
	// request with the same id.
	ErrSuperseded error = abortError("request superseded")
	// ErrExpired is the cause attached to requests reaped after the TTL.
	ErrExpired = errors.New("request expired")
)

type pending struct {
	requestID string
	kind      string
	submitted time.Time
	cancel    context.CancelCauseFunc
}

// Tracker manages in-flight requests.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*pending // keyed by request id
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

// New creates a Tracker. A positive ttl starts a reaper that aborts requests
// older than ttl.
func New(ttl time.Duration) *Tracker {
	t := &Tracker{
		pending: make(map[string]*pending),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	if ttl > 0 {
		go t.reaper()
	}
	return t
}

// Track registers requestID as in flight. The returned context is cancelled
// when Cancel(requestID) is called, when another request registers under the
// same id, or when parent is done. The release func must be called once the
// request finishes; it is a no-op if the entry has already been replaced.
func (t *Tracker) Track(parent context.Context, requestID, kind string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	if requestID == "" {
		return ctx, func() { cancel(nil) }
	}

	p := &pending{
		requestID: requestID,
		kind:      kind,
		submitted: time.Now().UTC(),
		cancel:    cancel,
	}

	t.mu.Lock()
	prev := t.pending[requestID]
	t.pending[requestID] = p
	t.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrSuperseded)
	}

	release := func() {
		t.mu.Lock()
		if cur, ok := t.pending[requestID]; ok && cur == p {
			delete(t.pending, requestID)
		}
		t.mu.Unlock()
		cancel(nil)
	}
	return ctx, release
}

// Cancel aborts the request registered under requestID. Returns false if no
// such request is in flight.
func (t *Tracker) Cancel(requestID string) bool {
	t.mu.Lock()
	p, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()

	if ok {
		p.cancel(ErrCancelled)
	}
	return ok
}

// InFlight returns the number of currently tracked requests.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// PendingSummary is a JSON-safe view of an in-flight request.
type PendingSummary struct {
	RequestID string        `json:"request_id"`
	Kind      string        `json:"kind"`
	Waiting   time.Duration `json:"waiting_ms"`
}

// ListPending returns summaries of all in-flight requests.
func (t *Tracker) ListPending() []PendingSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]PendingSummary, 0, len(t.pending))
	now := time.Now().UTC()
	for _, p := range t.pending {
		result = append(result, PendingSummary{
			RequestID: p.requestID,
			Kind:      p.kind,
			Waiting:   now.Sub(p.submitted),
		})
	}
	return result
}

// Close stops the reaper and aborts every in-flight request.
func (t *Tracker) Close() {
	t.once.Do(func() { close(t.stop) })

	t.mu.Lock()
	all := t.pending
	t.pending = make(map[string]*pending)
	t.mu.Unlock()

	for _, p := range all {
		p.cancel(ErrCancelled)
	}
}

// expire aborts requests older than the TTL.
func (t *Tracker) expire(now time.Time) {
	cutoff := now.Add(-t.ttl)
	var stale []*pending

	t.mu.Lock()
	for id, p := range t.pending {
		if p.submitted.Before(cutoff) {
			stale = append(stale, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, p := range stale {
		p.cancel(ErrExpired)
	}
}

func (t *Tracker) reaper() {
	interval := t.ttl / 2
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.expire(now.UTC())
		}
	}
}
