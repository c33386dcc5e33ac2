// Package recovery migrates traffic back to a previously failed service
// through a canary rollout with automatic rollback.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tourbase/resilience/internal/alerts"
	"github.com/tourbase/resilience/internal/breaker"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/failover"
	"github.com/tourbase/resilience/internal/metrics"
	"github.com/tourbase/resilience/internal/registry"
	"github.com/tourbase/resilience/internal/routing"
)

// Prober issues one direct health check. Satisfied by health.HTTPProber.
type Prober interface {
	Probe(ctx context.Context, url string) (time.Duration, error)
}

// Callback is invoked after a service fully recovers.
type Callback func(recoveredID, backupID string)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs canary recoveries. One recovery may be in flight per service;
// re-entry is a no-op.
type Manager struct {
	mu         sync.Mutex
	cfg        config.RecoveryConfig
	inFlight   map[string]*task
	perService map[string][]Callback
	global     []Callback

	reg    *registry.Registry
	router routing.Updater
	orch   *failover.Orchestrator
	prober Prober
	bus    *alerts.Bus
	logger *zap.Logger
}

// New creates a recovery manager.
func New(reg *registry.Registry, router routing.Updater, orch *failover.Orchestrator, prober Prober, bus *alerts.Bus, cfg config.RecoveryConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		inFlight:   make(map[string]*task),
		perService: make(map[string][]Callback),
		reg:        reg,
		router:     router,
		orch:       orch,
		prober:     prober,
		bus:        bus,
		logger:     logger,
	}
}

// SetConfig swaps the tunable configuration for future recoveries.
func (m *Manager) SetConfig(cfg config.RecoveryConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// OnRecovery registers a callback fired for every completed recovery.
func (m *Manager) OnRecovery(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = append(m.global, cb)
}

// RegisterCallback registers a callback fired only for the given service.
func (m *Manager) RegisterCallback(id string, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perService[id] = append(m.perService[id], cb)
}

// OnServiceHealthy is the entry point called by the health monitor once a
// failed service has regained the required consecutive healthy probes while
// a failover is covering it.
func (m *Manager) OnServiceHealthy(id string) bool {
	backupID, covered := m.orch.ActiveTarget(id)
	if !covered {
		return false
	}

	m.mu.Lock()
	if _, busy := m.inFlight[id]; busy {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.inFlight[id] = t
	cfg := m.cfg
	m.mu.Unlock()

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("recovery worker panicked",
					zap.String("service_id", id),
					zap.Any("panic", r))
				if ctx.Err() == nil {
					m.rollback(context.Background(), id, backupID, fmt.Sprintf("panic: %v", r))
				}
			}
			m.mu.Lock()
			delete(m.inFlight, id)
			m.mu.Unlock()
		}()
		m.run(ctx, id, backupID, cfg)
	}()
	return true
}

// Cancel aborts an in-flight recovery for id and waits for the worker.
// Terminal for the id: no further callbacks fire.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	t := m.inFlight[id]
	delete(m.perService, id)
	m.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}
}

// Shutdown cancels every in-flight recovery and waits.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.inFlight))
	for _, t := range m.inFlight {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

func (m *Manager) run(ctx context.Context, id, backupID string, cfg config.RecoveryConfig) {
	entry, ok := m.reg.Get(id)
	if !ok {
		return
	}

	m.logger.Info("recovery starting",
		zap.String("service_id", id),
		zap.String("backup_id", backupID))

	// Pre-flight: the service must pass spaced direct checks before any
	// traffic moves. Guards against recovering onto a flapping service.
	if !m.preflight(ctx, entry.Endpoint.HealthCheckURL, cfg) {
		m.logger.Warn("recovery pre-flight failed, staying on backup",
			zap.String("service_id", id))
		return
	}

	_ = m.reg.Update(id, func(_ *registry.ServiceEndpoint, metricsRec *registry.ServiceMetrics, _ *breaker.Breaker) {
		metricsRec.Status = registry.StatusRecovering
	})

	for i, stage := range cfg.Stages {
		if ctx.Err() != nil {
			return
		}
		if err := m.setSplit(ctx, id, stage); err != nil {
			// Cancelled mid-shift (unregistration or shutdown): abandon
			// silently, the id must not surface in any further alert.
			if ctx.Err() != nil {
				return
			}
			m.rollback(ctx, id, backupID, fmt.Sprintf("routing update at %d%%: %v", stage, err))
			return
		}
		m.logger.Info("canary stage applied",
			zap.String("service_id", id),
			zap.Int("percent", stage))

		window := cfg.IntermediateWindow
		if i == len(cfg.Stages)-1 {
			window = cfg.FinalWindow
		}
		if !sleepCtx(ctx, window) {
			return
		}

		if reason, ok := m.validate(id, cfg); !ok {
			if ctx.Err() != nil {
				return
			}
			m.rollback(ctx, id, backupID, fmt.Sprintf("stage %d%% validation failed: %s", stage, reason))
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	m.complete(ctx, id, backupID)
}

func (m *Manager) preflight(ctx context.Context, healthURL string, cfg config.RecoveryConfig) bool {
	for i := 0; i < cfg.PreflightAttempts; i++ {
		if i > 0 && !sleepCtx(ctx, cfg.PreflightDelay) {
			return false
		}
		if _, err := m.prober.Probe(ctx, healthURL); err != nil {
			return false
		}
	}
	return true
}

// validate re-checks live metrics against the canary thresholds.
func (m *Manager) validate(id string, cfg config.RecoveryConfig) (string, bool) {
	entry, ok := m.reg.Get(id)
	if !ok {
		return "service unregistered", false
	}
	if entry.Metrics.UptimePercentage < cfg.MinUptime {
		return fmt.Sprintf("uptime %.1f%% below %.1f%%", entry.Metrics.UptimePercentage, cfg.MinUptime), false
	}
	if cfg.MaxAvgResponse > 0 && entry.Metrics.AvgResponseTime > cfg.MaxAvgResponse {
		return fmt.Sprintf("avg response %s above %s", entry.Metrics.AvgResponseTime, cfg.MaxAvgResponse), false
	}
	return "", true
}

func (m *Manager) setSplit(ctx context.Context, id string, percent int) error {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// percent of the service's traffic returns to the service itself; the
	// backup keeps the remainder.
	return m.router.SetTrafficSplit(rctx, id, id, percent)
}

// rollback reverts all routing to the stable backup and marks the service
// failed again. Never leaves a half-migrated state behind.
func (m *Manager) rollback(ctx context.Context, id, backupID, reason string) {
	rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.router.SetTrafficSplit(rctx, id, backupID, 100); err != nil {
		m.logger.Error("rollback routing update failed",
			zap.String("service_id", id),
			zap.Error(err))
	}

	_ = m.reg.Update(id, func(_ *registry.ServiceEndpoint, metricsRec *registry.ServiceMetrics, _ *breaker.Breaker) {
		metricsRec.Status = registry.StatusFailed
	})

	metrics.RecordRecovery(false)
	m.logger.Warn("recovery rolled back",
		zap.String("service_id", id),
		zap.String("backup_id", backupID),
		zap.String("reason", reason))
	m.bus.Publish(alerts.Alert{
		Severity:  alerts.SeverityHigh,
		ServiceID: id,
		Message:   "canary recovery rolled back: " + reason,
		Metadata:  map[string]interface{}{"backup": backupID},
	})
}

func (m *Manager) complete(ctx context.Context, id, backupID string) {
	rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.router.UpdateRouting(rctx, id, id); err != nil {
		m.rollback(ctx, id, backupID, fmt.Sprintf("final routing restore: %v", err))
		return
	}

	_ = m.reg.Update(id, func(_ *registry.ServiceEndpoint, metricsRec *registry.ServiceMetrics, _ *breaker.Breaker) {
		metricsRec.Status = registry.StatusHealthy
	})
	m.orch.ClearRedirection(id)

	metrics.RecordRecovery(true)
	m.logger.Info("recovery complete",
		zap.String("service_id", id),
		zap.String("backup_id", backupID))
	m.bus.Publish(alerts.Alert{
		Severity:  alerts.SeverityInfo,
		ServiceID: id,
		Message:   "service recovered, traffic fully restored",
		Metadata:  map[string]interface{}{"backup": backupID},
	})

	m.notifyCallbacks(id, backupID)
}

func (m *Manager) notifyCallbacks(id, backupID string) {
	m.mu.Lock()
	cbs := make([]Callback, 0, len(m.global)+len(m.perService[id]))
	cbs = append(cbs, m.global...)
	cbs = append(cbs, m.perService[id]...)
	m.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("recovery callback panicked", zap.Any("panic", r))
				}
			}()
			cb(id, backupID)
		}()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
