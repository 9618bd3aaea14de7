package domain

import "time"

// MetricRow is one flushed aggregation window, persisted with upsert semantics
// keyed by (organization, user, window start, window size) so a repeated flush
// of the same window is harmless.
type MetricRow struct {
	OrganizationID    string         `json:"organization_id"`
	UserID            string         `json:"user_id"`
	WindowStart       time.Time      `json:"window_start"`
	WindowMinutes     int            `json:"window_minutes"`
	CommandCount      int64          `json:"command_count"`
	AgentInteractions int64          `json:"agent_interactions"`
	SessionCount      int64          `json:"session_count"`
	ErrorCount        int64          `json:"error_count"`
	TotalExecutionMs  int64          `json:"total_execution_ms"`
	CommandsPerHour   float64        `json:"commands_per_hour"`
	ErrorRate         float64        `json:"error_rate"`
	AvgExecutionMs    float64        `json:"avg_execution_ms"`
	AvgProductivity   float64        `json:"avg_productivity"`
	AgentUsage        map[string]int `json:"agent_usage,omitempty"`
	FlushedAt         time.Time      `json:"flushed_at"`
}

// WindowEnd returns the exclusive end of the half-open window interval.
func (m MetricRow) WindowEnd() time.Time {
	return m.WindowStart.Add(time.Duration(m.WindowMinutes) * time.Minute)
}
