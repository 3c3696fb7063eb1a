// Package query runs panel queries against a data source and accumulates the
// streamed response packets into PanelData snapshots.
package query

import (
	"github.com/marcus-qen/dashquery/internal/data"
)

// Accumulator folds response packets for one request into PanelData. Packets
// are keyed; a packet re-sent under a known key replaces the earlier one in
// place. Every Reduce returns a full snapshot.
type Accumulator struct {
	req     *data.Request
	order   []string
	packets map[string]data.ResponsePacket
	state   data.PanelData
}

// NewAccumulator creates an accumulator whose initial state is Loading.
func NewAccumulator(req *data.Request) *Accumulator {
	return &Accumulator{
		req:     req,
		packets: make(map[string]data.ResponsePacket),
		state:   data.NewPanelData(req),
	}
}

// State returns the current snapshot.
func (a *Accumulator) State() data.PanelData {
	return a.state
}

// Len returns the number of distinct packet keys seen.
func (a *Accumulator) Len() int {
	return len(a.order)
}

// Reduce applies packet to the accumulated state.
func (a *Accumulator) Reduce(packet data.ResponsePacket) data.PanelData {
	key := packet.Key
	if key == "" {
		key = a.req.FirstRefID()
	}
	if _, ok := a.packets[key]; !ok {
		a.order = append(a.order, key)
	}
	a.packets[key] = packet

	series := make([]data.Frame, 0)
	var annotations []data.Frame
	var firstErr *data.QueryError
	var errs []data.QueryError

	for _, k := range a.order {
		p := a.packets[k]
		for _, f := range p.Data {
			if f.Topic() == data.TopicAnnotations {
				annotations = append(annotations, f)
				continue
			}
			series = append(series, f)
		}
		if p.Error != nil {
			if firstErr == nil {
				firstErr = p.Error
			}
			errs = append(errs, *p.Error)
		}
	}

	state := packet.State
	if state == "" {
		state = data.StateDone
	}
	if firstErr != nil {
		state = data.StateError
	}

	next := a.state
	next.State = state
	next.Series = series
	next.Annotations = annotations
	next.Error = firstErr
	next.Errors = errs
	a.state = next
	return next
}

// Fail records err as the terminal error of the request. The error is kept
// alongside any packet errors already seen.
func (a *Accumulator) Fail(err error) data.PanelData {
	qe := data.ToQueryError(err)
	if qe == nil {
		return a.state
	}
	next := a.state
	next.State = data.StateError
	if next.Error == nil {
		next.Error = qe
	}
	next.Errors = append(append([]data.QueryError(nil), next.Errors...), *qe)
	a.state = next
	return next
}

// Finish marks an accumulator that is still loading as done. It is used when
// a data source returns without emitting anything.
func (a *Accumulator) Finish() data.PanelData {
	if a.state.State == data.StateLoading || a.state.State == data.StateStreaming {
		a.state.State = data.StateDone
	}
	return a.state
}
