package grafana

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/marcus-qen/dashquery/internal/data"
)

type correlationsPage struct {
	Correlations []data.Correlation `json:"correlations"`
	TotalCount   int                `json:"totalCount"`
	Page         int                `json:"page"`
	Limit        int                `json:"limit"`
}

// Correlations returns every correlation whose source is one of sourceUIDs,
// following pagination until the reported total has been read.
func (c *HTTPClient) Correlations(ctx context.Context, sourceUIDs []string) ([]data.Correlation, error) {
	if len(sourceUIDs) == 0 {
		return nil, nil
	}

	var out []data.Correlation
	for page := 1; ; page++ {
		query := url.Values{
			"sourceUID": sourceUIDs,
			"limit":     {strconv.Itoa(c.pageSize)},
			"page":      {strconv.Itoa(page)},
		}
		var payload correlationsPage
		if err := c.getJSON(ctx, "/api/datasources/correlations", query, &payload); err != nil {
			// Grafana answers 404 when no correlation matches.
			var ce *ClientError
			if errors.As(err, &ce) && ce.Code == "not_found" {
				return out, nil
			}
			return nil, err
		}
		out = append(out, payload.Correlations...)
		if len(payload.Correlations) == 0 || len(out) >= payload.TotalCount {
			return out, nil
		}
	}
}
