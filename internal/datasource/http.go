package datasource

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/grafana"
)

// QueryBackend runs backend queries; *grafana.HTTPClient satisfies it.
type QueryBackend interface {
	QueryData(ctx context.Context, req *data.Request) ([]grafana.QueryResult, error)
}

// HTTPDataSource queries a Grafana managed data source through the backend
// query API. It emits one packet per refId and declares standard annotation
// support.
type HTTPDataSource struct {
	ref     data.DataSourceRef
	name    string
	backend QueryBackend
	logger  *zap.Logger
}

// NewHTTPDataSource creates a backend data source from its settings.
func NewHTTPDataSource(settings grafana.DatasourceSettings, backend QueryBackend, logger *zap.Logger) *HTTPDataSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDataSource{
		ref:     data.DataSourceRef{UID: settings.UID, Type: settings.Type},
		name:    settings.Name,
		backend: backend,
		logger:  logger.Named("datasource").With(zap.String("uid", settings.UID)),
	}
}

// Ref implements DataSource.
func (d *HTTPDataSource) Ref() data.DataSourceRef { return d.ref }

// Name returns the display name of the data source.
func (d *HTTPDataSource) Name() string { return d.name }

// Query implements DataSource.
func (d *HTTPDataSource) Query(ctx context.Context, req *data.Request, out chan<- data.ResponsePacket) error {
	scoped := withDatasource(req, d.ref)
	results, err := d.backend.QueryData(grafana.WithRequestID(ctx, req.RequestID), scoped)
	if err != nil {
		return err
	}

	if err := emitResults(ctx, out, results); err != nil {
		return err
	}
	d.logger.Debug("Query complete", zap.String("requestId", req.RequestID), zap.Int("results", len(results)))
	return nil
}

// AnnotationSupport implements AnnotationProvider with the standard hooks.
func (d *HTTPDataSource) AnnotationSupport() *AnnotationSupport {
	return &AnnotationSupport{}
}

// withDatasource fills the request level reference when the caller left it
// empty so the backend knows which source to route to.
func withDatasource(req *data.Request, ref data.DataSourceRef) *data.Request {
	if req.Datasource != nil && !req.Datasource.IsZero() {
		return req
	}
	out := req.Clone()
	out.Datasource = &ref
	return out
}

// emitResults sends one packet per refId result.
func emitResults(ctx context.Context, out chan<- data.ResponsePacket, results []grafana.QueryResult) error {
	for _, res := range results {
		p := data.ResponsePacket{Key: res.RefID, Data: res.Frames, State: data.StateDone}
		if msg := strings.TrimSpace(res.Error); msg != "" {
			p.Error = &data.QueryError{Message: msg, Status: res.Status, RefID: res.RefID}
		}
		if err := Send(ctx, out, p); err != nil {
			return err
		}
	}
	return nil
}
