// Package registry holds the set of known service endpoints, their live
// metrics and their circuit breaker state. It is the single shared mutable
// structure in the subsystem; everything else reads and writes through its API.
package registry

import (
	"fmt"
	"time"

	"github.com/tourbase/resilience/internal/breaker"
)

// Status is the health state of a registered service.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusFailed
	StatusMaintenance
	StatusRecovering
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusFailed:
		return "failed"
	case StatusMaintenance:
		return "maintenance"
	case StatusRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "healthy":
		*s = StatusHealthy
	case "degraded":
		*s = StatusDegraded
	case "unhealthy":
		*s = StatusUnhealthy
	case "failed":
		*s = StatusFailed
	case "maintenance":
		*s = StatusMaintenance
	case "recovering":
		*s = StatusRecovering
	default:
		return fmt.Errorf("registry: unknown status %q", text)
	}
	return nil
}

// Probeable reports whether the health monitor should probe a service in
// this status. Maintenance is operator-set and excluded.
func (s Status) Probeable() bool {
	return s != StatusMaintenance
}

// Usable reports whether a service in this status may serve as a failover
// target.
func (s Status) Usable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// ServiceEndpoint identifies one backend service. Immutable after
// registration except through Registry.UpdateEndpoint.
type ServiceEndpoint struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	URL               string              `json:"url"`
	HealthCheckURL    string              `json:"health_check_url"`
	Region            string              `json:"region"`
	Priority          int                 `json:"priority"`
	MaxConnections    int                 `json:"max_connections"`
	BackupEndpointIDs []string            `json:"backup_endpoint_ids,omitempty"`
	Capabilities      map[string]struct{} `json:"capabilities,omitempty"`
	SLATarget         float64             `json:"sla_target"`
}

// Validate checks the endpoint is well formed and fills defaults.
func (e *ServiceEndpoint) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("registry: endpoint id is required")
	}
	if e.URL == "" {
		return fmt.Errorf("registry: endpoint %s: url is required", e.ID)
	}
	if e.HealthCheckURL == "" {
		return fmt.Errorf("registry: endpoint %s: health check url is required", e.ID)
	}
	if e.Name == "" {
		e.Name = e.ID
	}
	if e.MaxConnections <= 0 {
		e.MaxConnections = 100
	}
	if e.SLATarget <= 0 {
		e.SLATarget = 99.0
	}
	return nil
}

// HasCapabilities reports whether the endpoint's capability set is a
// superset of want.
func (e *ServiceEndpoint) HasCapabilities(want map[string]struct{}) bool {
	for c := range want {
		if _, ok := e.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// clone deep-copies the slices and sets so callers cannot mutate registry
// state through a returned view.
func (e ServiceEndpoint) clone() ServiceEndpoint {
	out := e
	if e.BackupEndpointIDs != nil {
		out.BackupEndpointIDs = append([]string(nil), e.BackupEndpointIDs...)
	}
	if e.Capabilities != nil {
		out.Capabilities = make(map[string]struct{}, len(e.Capabilities))
		for c := range e.Capabilities {
			out.Capabilities[c] = struct{}{}
		}
	}
	return out
}

// uptimeWindow caps the rolling probe-result window per service.
const uptimeWindow = 100

// ServiceMetrics is the mutable per-service health record. Updated only by
// the health monitor (through the registry's per-service lock); read by
// every other component as a copy.
type ServiceMetrics struct {
	Status               Status        `json:"status"`
	UptimePercentage     float64       `json:"uptime_percentage"`
	AvgResponseTime      time.Duration `json:"avg_response_time"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	CurrentConnections   int           `json:"current_connections"`
	LastHealthCheckAt    time.Time     `json:"last_health_check_at"`
	TotalChecks          int64         `json:"total_checks"`
	SuccessfulChecks     int64         `json:"successful_checks"`

	// CheckWindow holds the most recent probe results for the rolling
	// uptime calculation, newest last.
	CheckWindow []bool `json:"check_window,omitempty"`
}

// NewServiceMetrics returns metrics for a freshly registered service.
func NewServiceMetrics() ServiceMetrics {
	return ServiceMetrics{
		Status:           StatusHealthy,
		UptimePercentage: 100.0,
	}
}

// RecordProbe folds one probe result into the rolling metrics. Latency is
// tracked as an exponentially weighted moving average so one slow probe does
// not dominate.
func (m *ServiceMetrics) RecordProbe(success bool, latency time.Duration, now time.Time) {
	m.LastHealthCheckAt = now
	m.TotalChecks++
	if success {
		m.SuccessfulChecks++
		m.ConsecutiveSuccesses++
		m.ConsecutiveFailures = 0
		if m.AvgResponseTime == 0 {
			m.AvgResponseTime = latency
		} else {
			m.AvgResponseTime = (m.AvgResponseTime*4 + latency) / 5
		}
	} else {
		m.ConsecutiveFailures++
		m.ConsecutiveSuccesses = 0
	}

	m.CheckWindow = append(m.CheckWindow, success)
	if len(m.CheckWindow) > uptimeWindow {
		m.CheckWindow = m.CheckWindow[len(m.CheckWindow)-uptimeWindow:]
	}

	ok := 0
	for _, r := range m.CheckWindow {
		if r {
			ok++
		}
	}
	m.UptimePercentage = float64(ok) / float64(len(m.CheckWindow)) * 100
}

// MeetsSLA reports whether the rolling uptime satisfies the target.
func (m *ServiceMetrics) MeetsSLA(target float64) bool {
	return m.UptimePercentage >= target
}

func (m ServiceMetrics) clone() ServiceMetrics {
	out := m
	if m.CheckWindow != nil {
		out.CheckWindow = append([]bool(nil), m.CheckWindow...)
	}
	return out
}

// Entry is a point-in-time copy of one registered service's full record.
type Entry struct {
	Endpoint ServiceEndpoint `json:"endpoint"`
	Metrics  ServiceMetrics  `json:"metrics"`
	Breaker  breaker.Breaker `json:"breaker"`
}
