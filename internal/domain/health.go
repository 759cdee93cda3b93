package domain

import "time"

// HealthStatus summarises dependency health for readiness probes.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusDown     HealthStatus = "down"
)

// DependencyHealth is the result of probing one dependency.
type DependencyHealth struct {
	Status    HealthStatus
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// ReadinessReport aggregates dependency probes. Status is the worst dependency status.
type ReadinessReport struct {
	Status       HealthStatus
	Dependencies map[string]DependencyHealth
	GeneratedAt  time.Time
}
