package grafana

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
)

// Health returns Grafana's service health.
func (c *HTTPClient) Health(ctx context.Context) (Health, error) {
	var payload Health
	if err := c.getJSON(ctx, "/api/health", nil, &payload); err != nil {
		return Health{}, err
	}
	payload.Database = strings.TrimSpace(payload.Database)
	return payload, nil
}

// Datasource returns the settings of one data source.
func (c *HTTPClient) Datasource(ctx context.Context, uid string) (DatasourceSettings, error) {
	var payload DatasourceSettings
	if err := c.getJSON(ctx, "/api/datasources/uid/"+url.PathEscape(uid), nil, &payload); err != nil {
		return DatasourceSettings{}, err
	}
	return payload, nil
}

// Datasources lists every configured data source.
func (c *HTTPClient) Datasources(ctx context.Context) ([]DatasourceSettings, error) {
	var payload []DatasourceSettings
	if err := c.getJSON(ctx, "/api/datasources", nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type dashboardResponse struct {
	Dashboard json.RawMessage `json:"dashboard"`
	Meta      struct {
		Slug        string `json:"slug"`
		IsSnapshot  bool   `json:"isSnapshot"`
		FolderTitle string `json:"folderTitle"`
	} `json:"meta"`
}

// DashboardJSON returns the raw dashboard model stored under uid.
func (c *HTTPClient) DashboardJSON(ctx context.Context, uid string) (json.RawMessage, error) {
	var payload dashboardResponse
	if err := c.getJSON(ctx, "/api/dashboards/uid/"+url.PathEscape(uid), nil, &payload); err != nil {
		return nil, err
	}
	if len(payload.Dashboard) == 0 {
		return nil, &ClientError{Code: "parse_error", Message: "dashboard payload missing", Detail: uid}
	}
	return payload.Dashboard, nil
}
