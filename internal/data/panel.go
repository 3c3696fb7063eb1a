package data

import (
	"context"
	"errors"
	"time"
)

// LoadingState is the lifecycle of accumulated panel data.
type LoadingState string

const (
	StateNotStarted LoadingState = "NotStarted"
	StateLoading    LoadingState = "Loading"
	StateStreaming  LoadingState = "Streaming"
	StateDone       LoadingState = "Done"
	StateError      LoadingState = "Error"
)

// QueryError is the query-facing representation of a failure.
type QueryError struct {
	Message   string `json:"message"`
	Status    int    `json:"status,omitempty"`
	RefID     string `json:"refId,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

func (e *QueryError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// statusCoder is implemented by transport errors that know their HTTP status.
type statusCoder interface {
	StatusCode() int
}

// ToQueryError converts any error into a QueryError. Context cancellation is
// flagged so callers can swallow it silently.
func ToQueryError(err error) *QueryError {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	out := &QueryError{Message: err.Error()}
	if out.Message == "" {
		out.Message = "Query error"
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		out.Status = sc.StatusCode()
	}
	if IsCancelled(err) {
		out.Cancelled = true
	}
	return out
}

// cancelMarker is implemented by errors that represent an aborted request.
type cancelMarker interface {
	Cancelled() bool
}

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var qe *QueryError
	if errors.As(err, &qe) && qe.Cancelled {
		return true
	}
	var cm cancelMarker
	return errors.As(err, &cm) && cm.Cancelled()
}

// ResponsePacket is one emission from a data source for a request.
type ResponsePacket struct {
	Key   string       `json:"key,omitempty"`
	Data  []Frame      `json:"data"`
	Error *QueryError  `json:"error,omitempty"`
	State LoadingState `json:"state,omitempty"`
}

// Timings records how long the engine spent on a result.
type Timings struct {
	DataProcessingTime time.Duration `json:"dataProcessingTime"`
}

// PanelData is the accumulated result a panel renders.
type PanelData struct {
	State       LoadingState    `json:"state"`
	Series      []Frame         `json:"series"`
	Annotations []Frame         `json:"annotations,omitempty"`
	Error       *QueryError     `json:"error,omitempty"`
	Errors      []QueryError    `json:"errors,omitempty"`
	Request     *Request        `json:"request,omitempty"`
	TimeRange   TimeRange       `json:"timeRange"`
	Timings     *Timings        `json:"timings,omitempty"`
	AlertState  *AlertStateInfo `json:"alertState,omitempty"`
}

// NewPanelData returns the initial, loading state for a request.
func NewPanelData(req *Request) PanelData {
	pd := PanelData{State: StateLoading, Series: []Frame{}}
	if req != nil {
		pd.Request = req
		pd.TimeRange = req.Range
	}
	return pd
}

// DataSupport declares which dashboard level results a panel consumes.
type DataSupport struct {
	Annotations bool `json:"annotations"`
	AlertStates bool `json:"alertStates"`
}
