// Package events provides the dashboard event bus (refresh signals and
// lifecycle notifications) and a replay-latest broadcaster for result streams.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies dashboard events.
type EventType string

const (
	DashboardRefresh   EventType = "dashboard.refresh"
	TimeRangeChanged   EventType = "dashboard.time_range_changed"
	ResultsMerged      EventType = "dashboard.results_merged"
	RunCancelled       EventType = "dashboard.run_cancelled"
	SnapshotApplied    EventType = "dashboard.snapshot_applied"
	DashboardDestroyed EventType = "dashboard.destroyed"
)

// Event represents a dashboard event.
type Event struct {
	Type         EventType   `json:"type"`
	DashboardUID string      `json:"dashboard_uid,omitempty"`
	Summary      string      `json:"summary"`
	Detail       interface{} `json:"detail,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers, except DashboardRefresh,
// which evicts the oldest queued event instead of being dropped.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		if tryOffer(ch, evt) || evt.Type != DashboardRefresh {
			continue
		}
		for i := 0; i < b.bufferSize; i++ {
			select {
			case <-ch:
			default:
			}
			if tryOffer(ch, evt) {
				break
			}
		}
	}
}

func tryOffer(ch chan Event, evt Event) bool {
	select {
	case ch <- evt:
		return true
	default:
		return false
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the same id
// when done. Subscribing twice with one id replaces the earlier channel.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
