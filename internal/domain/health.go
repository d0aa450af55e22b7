package domain

import "time"

// HealthStatus classifies a component's liveness.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// ServiceHealth is the supervisor's view of one component. It is owned
// exclusively by the health supervisor.
type ServiceHealth struct {
	Service             string       `json:"service"`
	Status              HealthStatus `json:"status"`
	LastCheckAt         time.Time    `json:"last_check_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Detail              string       `json:"detail,omitempty"`
}
