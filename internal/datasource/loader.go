package datasource

import (
	"context"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/grafana"
)

// SettingsSource fetches data source settings; *grafana.HTTPClient satisfies it.
type SettingsSource interface {
	Datasource(ctx context.Context, uid string) (grafana.DatasourceSettings, error)
}

// GrafanaClient is the full Grafana surface data sources are built on.
type GrafanaClient interface {
	BuiltinBackend
	SettingsSource
}

// NewGrafanaLoader returns a Loader that builds data sources from the
// settings Grafana stores for them.
func NewGrafanaLoader(client GrafanaClient, logger *zap.Logger) Loader {
	return func(ctx context.Context, uid string) (DataSource, error) {
		if uid == data.GrafanaDataSourceUID {
			return NewGrafanaDataSource(client, logger), nil
		}
		settings, err := client.Datasource(ctx, uid)
		if err != nil {
			return nil, err
		}
		return NewHTTPDataSource(settings, client, logger), nil
	}
}
