// Package sla evaluates registry metrics against per-service SLA targets
// and flags soft failures before the circuit breaker trips.
package sla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tourbase/resilience/internal/alerts"
	"github.com/tourbase/resilience/internal/breaker"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/registry"
)

// minChecks is how many probes a service needs before uptime is judged; a
// single early failure would otherwise read as a 0% SLA.
const minChecks = 5

// Violation describes one SLA breach found during a sweep.
type Violation struct {
	ServiceID string
	Kind      string // "uptime" or "latency"
	Detail    string
	Timestamp time.Time
}

// Detector sweeps the registry and demotes services that are answering
// probes but violating their SLA to degraded.
type Detector struct {
	mu  sync.Mutex
	cfg config.SLAConfig

	reg    *registry.Registry
	bus    *alerts.Bus
	logger *zap.Logger
}

// New creates a detector.
func New(reg *registry.Registry, bus *alerts.Bus, cfg config.SLAConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, reg: reg, bus: bus, logger: logger}
}

// SetConfig swaps the tunables used by subsequent sweeps.
func (d *Detector) SetConfig(cfg config.SLAConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

func (d *Detector) config() config.SLAConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Run sweeps until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.config().SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Sweep evaluates every service once and returns the violations found.
func (d *Detector) Sweep() []Violation {
	cfg := d.config()
	now := time.Now()
	var violations []Violation

	for _, entry := range d.reg.Snapshot() {
		status := entry.Metrics.Status
		if status != registry.StatusHealthy && status != registry.StatusDegraded {
			continue
		}
		if entry.Metrics.TotalChecks < minChecks {
			continue
		}

		v := d.check(entry, cfg, now)
		violations = append(violations, v...)

		switch {
		case status == registry.StatusHealthy && len(v) > 0:
			d.demote(entry.Endpoint.ID, v[0])
		case status == registry.StatusDegraded && len(v) == 0 && entry.Metrics.ConsecutiveSuccesses >= 3:
			d.promote(entry.Endpoint.ID)
		}
	}
	return violations
}

func (d *Detector) check(entry registry.Entry, cfg config.SLAConfig, now time.Time) []Violation {
	var out []Violation
	if entry.Metrics.UptimePercentage < entry.Endpoint.SLATarget {
		out = append(out, Violation{
			ServiceID: entry.Endpoint.ID,
			Kind:      "uptime",
			Detail: fmt.Sprintf("uptime %.2f%% below SLA target %.2f%%",
				entry.Metrics.UptimePercentage, entry.Endpoint.SLATarget),
			Timestamp: now,
		})
	}
	if cfg.DegradedLatency > 0 && entry.Metrics.AvgResponseTime > cfg.DegradedLatency {
		out = append(out, Violation{
			ServiceID: entry.Endpoint.ID,
			Kind:      "latency",
			Detail: fmt.Sprintf("avg response %s above %s",
				entry.Metrics.AvgResponseTime, cfg.DegradedLatency),
			Timestamp: now,
		})
	}
	return out
}

func (d *Detector) demote(id string, v Violation) {
	_ = d.reg.Update(id, func(_ *registry.ServiceEndpoint, m *registry.ServiceMetrics, _ *breaker.Breaker) {
		if m.Status == registry.StatusHealthy {
			m.Status = registry.StatusDegraded
		}
	})
	d.logger.Warn("service degraded",
		zap.String("service_id", id),
		zap.String("violation", v.Detail))
	d.bus.Publish(alerts.Alert{
		Severity:  alerts.SeverityMedium,
		ServiceID: id,
		Message:   "SLA degradation: " + v.Detail,
		Metadata:  map[string]interface{}{"kind": v.Kind},
	})
}

func (d *Detector) promote(id string) {
	_ = d.reg.Update(id, func(_ *registry.ServiceEndpoint, m *registry.ServiceMetrics, _ *breaker.Breaker) {
		if m.Status == registry.StatusDegraded {
			m.Status = registry.StatusHealthy
		}
	})
	d.logger.Info("service back within SLA", zap.String("service_id", id))
	d.bus.Publish(alerts.Alert{
		Severity:  alerts.SeverityInfo,
		ServiceID: id,
		Message:   "service back within SLA",
	})
}
