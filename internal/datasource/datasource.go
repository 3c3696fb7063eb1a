// Package datasource defines the contract between the query engine and data
// source implementations, the capability cache used for annotation runner
// dispatch, and the registry that resolves data source references.
package datasource

import (
	"context"
	"errors"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
)

// ErrNotFound is returned when a data source reference cannot be resolved.
var ErrNotFound = errors.New("datasource not found")

// DataSource runs queries. Query sends zero or more packets on out and
// returns when the request is complete. It must not send after returning and
// must not close out; the caller owns the channel.
type DataSource interface {
	Ref() data.DataSourceRef
	Query(ctx context.Context, req *data.Request, out chan<- data.ResponsePacket) error
}

// LegacyAnnotationOptions is the input of the legacy annotation query API.
type LegacyAnnotationOptions struct {
	Range        data.TimeRange
	RangeRaw     data.RawTimeRange
	Annotation   dashboard.AnnotationDescriptor
	DashboardUID string
	DashboardID  int64
}

// LegacyAnnotator is implemented by data sources with the legacy annotation
// query capability.
type LegacyAnnotator interface {
	AnnotationQuery(ctx context.Context, opts LegacyAnnotationOptions) ([]data.AnnotationEvent, error)
}

// AnnotationProvider is implemented by data sources that declare standard
// annotation support.
type AnnotationProvider interface {
	AnnotationSupport() *AnnotationSupport
}

// Send delivers p on out unless ctx is done first.
func Send(ctx context.Context, out chan<- data.ResponsePacket, p data.ResponsePacket) error {
	select {
	case out <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
