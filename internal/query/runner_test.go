package query

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/datasource"
	"github.com/marcus-qen/dashquery/internal/inflight"
)

// scriptedSource sends its packets, then optionally blocks until ctx is done.
type scriptedSource struct {
	packets []data.ResponsePacket
	err     error
	block   bool
	calls   int32
	gate    chan struct{}
	tracker *inflight.Tracker
}

func (s *scriptedSource) Ref() data.DataSourceRef {
	return data.DataSourceRef{UID: "test", Type: "testdata"}
}

func (s *scriptedSource) Query(ctx context.Context, req *data.Request, out chan<- data.ResponsePacket) error {
	atomic.AddInt32(&s.calls, 1)
	if s.tracker != nil {
		var release func()
		ctx, release = s.tracker.Track(ctx, req.RequestID, "test")
		defer release()
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, p := range s.packets {
		if err := datasource.Send(ctx, out, p); err != nil {
			return err
		}
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

type panicSource struct{}

func (panicSource) Ref() data.DataSourceRef { return data.DataSourceRef{UID: "boom"} }
func (panicSource) Query(context.Context, *data.Request, chan<- data.ResponsePacket) error {
	panic("boom")
}

func drainAll(t *testing.T, ch <-chan data.PanelData) []data.PanelData {
	t.Helper()
	var out []data.PanelData
	timeout := time.After(5 * time.Second)
	for {
		select {
		case pd, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, pd)
		case <-timeout:
			t.Fatal("timed out draining runner output")
		}
	}
}

func TestRunNoTargetsEmitsSingleDone(t *testing.T) {
	src := &scriptedSource{}
	r := NewRunner(nil)
	got := drainAll(t, r.Run(context.Background(), src, &data.Request{RequestID: "Q0"}))

	if len(got) != 1 {
		t.Fatalf("expected exactly one emission, got %d", len(got))
	}
	if got[0].State != data.StateDone || len(got[0].Series) != 0 {
		t.Fatalf("unexpected emission %+v", got[0])
	}
	if got[0].Request == nil || got[0].Request.EndTime.IsZero() {
		t.Fatal("expected end time stamped on the request copy")
	}
	if atomic.LoadInt32(&src.calls) != 0 {
		t.Fatal("data source must not be called without targets")
	}
}

func TestRunEmitsPerPacket(t *testing.T) {
	src := &scriptedSource{packets: []data.ResponsePacket{
		{Key: "A", Data: []data.Frame{frame("a")}, State: data.StateStreaming},
		{Key: "B", Data: []data.Frame{frame("b")}},
	}}
	req := testRequest()
	req.Range = data.RelativeRange(time.Now(), time.Hour, "now-1h")

	r := NewRunner(nil)
	got := drainAll(t, r.Run(context.Background(), src, req))
	if len(got) != 2 {
		t.Fatalf("expected 2 emissions, got %d", len(got))
	}
	if got[0].State != data.StateStreaming || got[1].State != data.StateDone {
		t.Fatalf("unexpected states %s, %s", got[0].State, got[1].State)
	}
	if len(got[1].Series) != 2 {
		t.Fatalf("expected accumulated series, got %d", len(got[1].Series))
	}
	if got[1].Request != req || !got[1].TimeRange.To.Equal(req.Range.To) || got[1].Timings == nil {
		t.Fatal("expected request, range and timings on emissions")
	}
}

func TestRunErrorBecomesFinalErrorState(t *testing.T) {
	src := &scriptedSource{
		packets: []data.ResponsePacket{{Key: "A", Data: []data.Frame{frame("a")}}},
		err:     errors.New("backend exploded"),
	}
	got := drainAll(t, NewRunner(nil).Run(context.Background(), src, testRequest()))
	last := got[len(got)-1]
	if last.State != data.StateError || last.Error == nil || last.Error.Message != "backend exploded" {
		t.Fatalf("expected final error state, got %+v", last)
	}
	if len(last.Series) != 1 {
		t.Fatal("series received before the error should be kept")
	}
}

func TestRunRecoversDataSourcePanic(t *testing.T) {
	got := drainAll(t, NewRunner(nil).Run(context.Background(), panicSource{}, testRequest()))
	if len(got) == 0 || got[len(got)-1].State != data.StateError {
		t.Fatalf("expected error emission, got %+v", got)
	}
}

func TestRunNoPacketsFinishesDone(t *testing.T) {
	got := drainAll(t, NewRunner(nil).Run(context.Background(), &scriptedSource{}, testRequest()))
	if len(got) != 1 || got[0].State != data.StateDone {
		t.Fatalf("expected single Done emission, got %+v", got)
	}
}

func TestRunLoadingPlaceholderAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	gate := make(chan struct{})
	src := &scriptedSource{gate: gate, packets: []data.ResponsePacket{{Key: "A", Data: []data.Frame{frame("a")}}}}

	r := NewRunner(nil, WithClock(mock))
	ch := r.Run(context.Background(), src, testRequest())

	var placeholder data.PanelData
	found := false
	for i := 0; i < 100 && !found; i++ {
		mock.Add(DefaultLoadingDelay)
		select {
		case placeholder = <-ch:
			found = true
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !found {
		t.Fatal("no loading placeholder emitted")
	}
	if placeholder.State != data.StateLoading {
		t.Fatalf("expected Loading placeholder, got %s", placeholder.State)
	}

	close(gate)
	rest := drainAll(t, ch)
	if len(rest) != 1 || rest[0].State != data.StateDone {
		t.Fatalf("expected one Done emission after placeholder, got %+v", rest)
	}
}

func TestRunFirstPacketCancelsLoadingTimer(t *testing.T) {
	mock := clock.NewMock()
	src := &scriptedSource{
		packets: []data.ResponsePacket{{Key: "A", State: data.StateStreaming}},
		block:   true,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := NewRunner(nil, WithClock(mock)).Run(ctx, src, testRequest())
	first := <-ch
	if first.State != data.StateStreaming {
		t.Fatalf("expected streaming packet first, got %s", first.State)
	}

	mock.Add(time.Second)
	select {
	case pd := <-ch:
		t.Fatalf("unexpected emission after first packet: %s", pd.State)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestRunCancelReleasesInFlightRequest(t *testing.T) {
	tracker := inflight.New(0)
	src := &scriptedSource{block: true, tracker: tracker}
	req := testRequest()

	ctx, cancel := context.WithCancel(context.Background())
	ch := NewRunner(tracker).Run(ctx, src, req)

	deadline := time.Now().Add(2 * time.Second)
	for tracker.InFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if tracker.InFlight() != 1 {
		t.Fatal("expected request registered with the tracker")
	}

	cancel()
	drainAll(t, ch)

	deadline = time.Now().Add(2 * time.Second)
	for tracker.InFlight() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if tracker.InFlight() != 0 {
		t.Fatal("expected in-flight request released after cancel")
	}
}
