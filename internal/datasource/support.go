package datasource

import (
	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
)

// AnnotationSupport is the standard annotation contract of a data source.
// Every hook is optional; nil hooks fall back to the standard behaviour.
type AnnotationSupport struct {
	// PrepareAnnotation migrates a descriptor, typically moving legacy query
	// fields into Target.
	PrepareAnnotation func(a dashboard.AnnotationDescriptor) dashboard.AnnotationDescriptor
	// PrepareQuery turns the descriptor into the query to run. Returning nil
	// skips the descriptor.
	PrepareQuery func(a dashboard.AnnotationDescriptor) *data.DataQuery
	// ProcessEvents converts result frames into events. Returning nil events
	// and a nil error selects the standard frame conversion.
	ProcessEvents func(a dashboard.AnnotationDescriptor, frames []data.Frame) ([]data.AnnotationEvent, error)
}

// Capabilities summarises what a data source instance can do for
// annotations. It is computed once per instance.
type Capabilities struct {
	UID string
	// Legacy is set when the data source implements LegacyAnnotator.
	Legacy bool
	// Support is the standard annotation contract, nil if not declared.
	Support *AnnotationSupport
}

// UsesLegacyRunner reports whether annotations must go through the legacy
// query API: the legacy capability is present and no standard support is
// declared.
func (c Capabilities) UsesLegacyRunner() bool {
	return c.Legacy && c.Support == nil
}

// CapabilitiesOf inspects ds.
func CapabilitiesOf(ds DataSource) Capabilities {
	caps := Capabilities{UID: ds.Ref().UID}
	if _, ok := ds.(LegacyAnnotator); ok {
		caps.Legacy = true
	}
	if p, ok := ds.(AnnotationProvider); ok {
		caps.Support = p.AnnotationSupport()
	}
	return caps
}
