package grafana

import (
	"context"
	"net/url"
	"strconv"
)

// Annotations lists stored annotations matching q.
func (c *HTTPClient) Annotations(ctx context.Context, q AnnotationQuery) ([]AnnotationItem, error) {
	query := url.Values{}
	if q.From > 0 {
		query.Set("from", strconv.FormatInt(q.From, 10))
	}
	if q.To > 0 {
		query.Set("to", strconv.FormatInt(q.To, 10))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	for _, tag := range q.Tags {
		query.Add("tags", tag)
	}
	if q.MatchAny {
		query.Set("matchAny", "true")
	}
	query.Set("type", q.Type)
	query.Set("dashboardUID", q.DashboardUID)
	if q.PanelID > 0 {
		query.Set("panelId", strconv.FormatInt(q.PanelID, 10))
	}

	var payload []AnnotationItem
	if err := c.getJSON(ctx, "/api/annotations", query, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
