package grafana

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/marcus-qen/dashquery/internal/data"
)

type alertStateResponse struct {
	ID          int64  `json:"id"`
	DashboardID int64  `json:"dashboardId"`
	PanelID     int64  `json:"panelId"`
	State       string `json:"state"`
}

// AlertStatesForDashboard returns the legacy alert state of every alerting
// panel of a dashboard.
func (c *HTTPClient) AlertStatesForDashboard(ctx context.Context, dashboardID int64) ([]data.AlertStateInfo, error) {
	var payload []alertStateResponse
	query := url.Values{"dashboardId": {strconv.FormatInt(dashboardID, 10)}}
	if err := c.getJSON(ctx, "/api/alerts/states-for-dashboard", query, &payload); err != nil {
		return nil, err
	}

	out := make([]data.AlertStateInfo, 0, len(payload))
	for _, s := range payload {
		out = append(out, data.AlertStateInfo{
			ID:          s.ID,
			DashboardID: s.DashboardID,
			PanelID:     s.PanelID,
			State:       data.ParseAlertState(s.State),
		})
	}
	return out, nil
}

// RulesForDashboard returns the unified alerting rule groups scoped to a
// dashboard UID.
func (c *HTTPClient) RulesForDashboard(ctx context.Context, dashboardUID string) (RulesResponse, error) {
	var payload RulesResponse
	query := url.Values{"dashboard_uid": {dashboardUID}}
	if err := c.getJSON(ctx, "/api/prometheus/grafana/api/v1/rules", query, &payload); err != nil {
		return RulesResponse{}, err
	}
	if payload.Status != "" && !strings.EqualFold(payload.Status, "success") {
		msg := strings.TrimSpace(payload.Error)
		if msg == "" {
			msg = "rules request returned status " + payload.Status
		}
		return RulesResponse{}, &ClientError{Code: "request_failed", Message: msg, Detail: payload.ErrorType}
	}
	return payload, nil
}
