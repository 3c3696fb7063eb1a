package events

import (
	"context"
	"testing"
	"time"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

func TestReplayLateSubscriberGetsLatest(t *testing.T) {
	r := NewReplay[int]()
	r.Publish(1)
	r.Publish(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := r.Subscribe(ctx)

	if got := recv(t, ch); got != 2 {
		t.Fatalf("expected latest value 2, got %d", got)
	}
}

func TestReplayNoValueBeforePublish(t *testing.T) {
	r := NewReplay[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := r.Subscribe(ctx)

	select {
	case v := <-ch:
		t.Fatalf("unexpected value %q", v)
	case <-time.After(20 * time.Millisecond):
	}

	r.Publish("first")
	if got := recv(t, ch); got != "first" {
		t.Fatalf("expected first, got %q", got)
	}
}

func TestReplaySlowSubscriberSeesMostRecent(t *testing.T) {
	r := NewReplay[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := r.Subscribe(ctx)

	for i := 0; i < 50; i++ {
		r.Publish(i)
	}
	if got := recv(t, ch); got != 49 {
		t.Fatalf("expected 49, got %d", got)
	}
}

func TestReplayUnsubscribeOnContextDone(t *testing.T) {
	r := NewReplay[int]()
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if r.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", r.SubscriberCount())
	}
}

func TestReplayClose(t *testing.T) {
	r := NewReplay[int]()
	ch := r.Subscribe(context.Background())
	r.Close()
	r.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	r.Publish(3)
	if _, ok := r.Latest(); ok {
		t.Fatal("publish after close should be ignored")
	}
	late := r.Subscribe(context.Background())
	if _, ok := <-late; ok {
		t.Fatal("subscription after close should be closed")
	}
}
