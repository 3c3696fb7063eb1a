package query

import (
	"testing"

	"github.com/marcus-qen/dashquery/internal/data"
)

func frame(name string) data.Frame {
	return data.Frame{Name: name, Fields: []data.Field{{Name: "v", Type: data.FieldTypeNumber, Values: []any{1.0}}}}
}

func names(frames []data.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Name)
	}
	return out
}

func testRequest() *data.Request {
	return &data.Request{RequestID: "Q1", Targets: []data.DataQuery{{RefID: "A"}, {RefID: "B"}}}
}

func TestAccumulatorInitialState(t *testing.T) {
	acc := NewAccumulator(testRequest())
	st := acc.State()
	if st.State != data.StateLoading || len(st.Series) != 0 || st.Series == nil {
		t.Fatalf("unexpected initial state %+v", st)
	}
}

func TestAccumulatorReplacesKeyInPlace(t *testing.T) {
	acc := NewAccumulator(testRequest())
	acc.Reduce(data.ResponsePacket{Key: "A", Data: []data.Frame{frame("a1")}})
	acc.Reduce(data.ResponsePacket{Key: "B", Data: []data.Frame{frame("b1")}})
	pd := acc.Reduce(data.ResponsePacket{Key: "A", Data: []data.Frame{frame("a2")}})

	got := names(pd.Series)
	if len(got) != 2 || got[0] != "a2" || got[1] != "b1" {
		t.Fatalf("expected [a2 b1], got %v", got)
	}
	if pd.State != data.StateDone {
		t.Fatalf("expected Done, got %s", pd.State)
	}
}

func TestAccumulatorKeySetIsOrderIndependent(t *testing.T) {
	packets := []data.ResponsePacket{
		{Key: "A", Data: []data.Frame{frame("a")}},
		{Key: "B", Data: []data.Frame{frame("b")}},
		{Key: "C", Data: []data.Frame{frame("c")}},
	}
	forward := NewAccumulator(testRequest())
	backward := NewAccumulator(testRequest())
	var f, b data.PanelData
	for i := range packets {
		f = forward.Reduce(packets[i])
		b = backward.Reduce(packets[len(packets)-1-i])
	}
	set := func(pd data.PanelData) map[string]bool {
		m := map[string]bool{}
		for _, n := range names(pd.Series) {
			m[n] = true
		}
		return m
	}
	fs, bs := set(f), set(b)
	if len(fs) != 3 || len(bs) != 3 {
		t.Fatalf("expected 3 series each, got %v %v", fs, bs)
	}
	for k := range fs {
		if !bs[k] {
			t.Fatalf("series %s missing from reversed accumulation", k)
		}
	}
}

func TestAccumulatorDefaultKey(t *testing.T) {
	acc := NewAccumulator(testRequest())
	acc.Reduce(data.ResponsePacket{Data: []data.Frame{frame("first")}})
	pd := acc.Reduce(data.ResponsePacket{Key: "A", Data: []data.Frame{frame("second")}})
	if got := names(pd.Series); len(got) != 1 || got[0] != "second" {
		t.Fatalf("empty key should resolve to first refId, got %v", got)
	}

	noTargets := NewAccumulator(&data.Request{})
	noTargets.Reduce(data.ResponsePacket{Data: []data.Frame{frame("x")}})
	pd = noTargets.Reduce(data.ResponsePacket{Key: data.DefaultKey, Data: []data.Frame{frame("y")}})
	if got := names(pd.Series); len(got) != 1 || got[0] != "y" {
		t.Fatalf("empty key without targets should resolve to %q, got %v", data.DefaultKey, got)
	}
}

func TestAccumulatorSplitsAnnotations(t *testing.T) {
	acc := NewAccumulator(testRequest())
	anno := frame("anno").WithTopic(data.TopicAnnotations)
	pd := acc.Reduce(data.ResponsePacket{Key: "A", Data: []data.Frame{frame("s"), anno}})
	if len(pd.Series) != 1 || len(pd.Annotations) != 1 || pd.Annotations[0].Name != "anno" {
		t.Fatalf("unexpected split series=%v annotations=%v", names(pd.Series), names(pd.Annotations))
	}
}

func TestAccumulatorErrorIsSticky(t *testing.T) {
	acc := NewAccumulator(testRequest())
	acc.Reduce(data.ResponsePacket{Key: "A", Error: &data.QueryError{Message: "first"}})
	acc.Reduce(data.ResponsePacket{Key: "B", Error: &data.QueryError{Message: "second"}})
	pd := acc.Reduce(data.ResponsePacket{Key: "C", Data: []data.Frame{frame("c")}, State: data.StateStreaming})

	if pd.State != data.StateError {
		t.Fatalf("expected Error state, got %s", pd.State)
	}
	if pd.Error == nil || pd.Error.Message != "first" {
		t.Fatalf("expected first error to win, got %+v", pd.Error)
	}
	if len(pd.Errors) != 2 {
		t.Fatalf("expected both errors listed, got %d", len(pd.Errors))
	}
}

func TestAccumulatorStreamingState(t *testing.T) {
	acc := NewAccumulator(testRequest())
	pd := acc.Reduce(data.ResponsePacket{Key: "A", State: data.StateStreaming})
	if pd.State != data.StateStreaming {
		t.Fatalf("expected Streaming, got %s", pd.State)
	}
	if acc.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", acc.Len())
	}
}
