package data

import "strings"

// AlertState is the alert status of a panel.
type AlertState string

const (
	AlertStateOK       AlertState = "ok"
	AlertStatePending  AlertState = "pending"
	AlertStateAlerting AlertState = "alerting"
	AlertStateNoData   AlertState = "no_data"
	AlertStatePaused   AlertState = "paused"
)

// severity orders states for collapsing several rules onto one panel.
func (s AlertState) severity() int {
	switch s {
	case AlertStateAlerting:
		return 2
	case AlertStatePending:
		return 1
	default:
		return 0
	}
}

// MoreSevere reports whether s outranks other (alerting > pending > ok).
func (s AlertState) MoreSevere(other AlertState) bool {
	return s.severity() > other.severity()
}

// ParseAlertState parses a legacy alert state string.
func ParseAlertState(v string) AlertState {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "alerting":
		return AlertStateAlerting
	case "pending":
		return AlertStatePending
	case "no_data", "nodata":
		return AlertStateNoData
	case "paused":
		return AlertStatePaused
	default:
		return AlertStateOK
	}
}

// PromAlertStateToAlertState maps a Prometheus-style rule state onto a panel
// alert state.
func PromAlertStateToAlertState(v string) AlertState {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "firing", "alerting":
		return AlertStateAlerting
	case "pending":
		return AlertStatePending
	default:
		return AlertStateOK
	}
}

// AlertStateInfo is the alert status of one panel.
type AlertStateInfo struct {
	ID          int64      `json:"id"`
	DashboardID int64      `json:"dashboardId"`
	PanelID     int64      `json:"panelId"`
	State       AlertState `json:"state"`
}
