package models

import "time"

// HealthCategory classifies a channel's operability for the dashboard and the
// scheduler's eligibility gate.
type HealthCategory string

const (
	HealthHealthy          HealthCategory = "healthy"
	HealthDegraded         HealthCategory = "degraded"
	HealthIssuesAuth       HealthCategory = "issues_auth"
	HealthIssuesQuota      HealthCategory = "issues_quota"
	HealthIssuesConfig     HealthCategory = "issues_config"
	HealthIssuesPermission HealthCategory = "issues_permission"
)

// Schedulable reports whether a channel in this category may still receive
// dispatches. Degraded channels stay eligible and recover on their own once
// attempts succeed again.
func (c HealthCategory) Schedulable() bool {
	return c == HealthHealthy || c == HealthDegraded
}

// HealthSnapshot is the derived view cached for dashboards. The database rows
// stay authoritative; the snapshot is recomputed whenever the cache misses.
type HealthSnapshot struct {
	ChannelID   int64          `json:"channel_id"`
	Category    HealthCategory `json:"category"`
	AuthStatus  string         `json:"auth_status"`
	LastError   string         `json:"last_error,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
}
