package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tourbase/resilience/internal/alerts"
	"github.com/tourbase/resilience/internal/breaker"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/metrics"
	"github.com/tourbase/resilience/internal/registry"
)

// FailoverService is the narrow slice of the failover orchestrator the
// monitor needs. Triggering is idempotent on the orchestrator side.
type FailoverService interface {
	Trigger(sourceID, reason string) bool
	ActiveTarget(sourceID string) (string, bool)
}

// RecoveryService receives the regained-health signal for services that are
// currently covered by a failover.
type RecoveryService interface {
	OnServiceHealthy(id string) bool
}

// unhealthyAfter is the consecutive-failure debounce before a service is
// declared unhealthy and failover evaluation fires.
const unhealthyAfter = 3

// Monitor drives periodic health probing.
type Monitor struct {
	mu  sync.Mutex
	cfg config.HealthConfig

	reg     *registry.Registry
	prober  Prober
	bus     *alerts.Bus
	fo      FailoverService
	rec     RecoveryService
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewMonitor creates a monitor. fo and rec may be nil in tests that only
// exercise probing.
func NewMonitor(reg *registry.Registry, prober Prober, bus *alerts.Bus, fo FailoverService, rec RecoveryService, cfg config.HealthConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(cfg.ProbesPerSec)
	if cfg.ProbesPerSec <= 0 {
		limit = rate.Inf
	}
	return &Monitor{
		cfg:     cfg,
		reg:     reg,
		prober:  prober,
		bus:     bus,
		fo:      fo,
		rec:     rec,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// SetConfig swaps the tunables used by subsequent ticks.
func (m *Monitor) SetConfig(cfg config.HealthConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	if cfg.ProbesPerSec > 0 {
		m.limiter.SetLimit(rate.Limit(cfg.ProbesPerSec))
	} else {
		m.limiter.SetLimit(rate.Inf)
	}
}

func (m *Monitor) config() config.HealthConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick probes every eligible service once, fanning out across a bounded
// worker pool, and waits for all results.
func (m *Monitor) Tick(ctx context.Context) {
	cfg := m.config()
	now := time.Now()

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, id := range m.reg.List() {
		entry, ok := m.reg.Get(id)
		if !ok || !entry.Metrics.Status.Probeable() {
			continue
		}

		// The breaker decides whether an open circuit has cooled down
		// enough to let a trial probe through.
		allowed := true
		var tr breaker.Transition
		_ = m.reg.Update(id, func(_ *registry.ServiceEndpoint, _ *registry.ServiceMetrics, b *breaker.Breaker) {
			allowed, tr = b.AllowProbe(now)
		})
		if tr == breaker.TransitionHalfOpened {
			metrics.RecordBreakerTransition(breaker.StateHalfOpen.String())
			m.logger.Info("breaker half-open, allowing trial probes",
				zap.String("service_id", id))
		}
		if !allowed {
			continue
		}

		if err := m.limiter.Wait(ctx); err != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(id, url string) {
			defer wg.Done()
			defer func() { <-sem }()

			pctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
			defer cancel()
			latency, err := m.prober.Probe(pctx, url)
			m.handleResult(id, err == nil, latency, cfg)
		}(id, entry.Endpoint.HealthCheckURL)
	}

	wg.Wait()
	m.publishGauges()
}

// handleResult folds one probe outcome into the service's records and fires
// the follow-on actions. All per-service mutation happens inside a single
// registry Update so results for one service are totally ordered.
func (m *Monitor) handleResult(id string, success bool, latency time.Duration, cfg config.HealthConfig) {
	now := time.Now()

	var (
		tr            breaker.Transition
		becameUnwell  bool
		regainedWhile bool
		status        registry.Status
	)
	err := m.reg.Update(id, func(_ *registry.ServiceEndpoint, sm *registry.ServiceMetrics, b *breaker.Breaker) {
		sm.RecordProbe(success, latency, now)
		if success {
			tr = b.RecordSuccess(now)
		} else {
			tr = b.RecordFailure(now)
		}

		// The canary owns status while a recovery runs; maintenance is
		// operator territory.
		switch sm.Status {
		case registry.StatusRecovering, registry.StatusMaintenance:
			status = sm.Status
			return
		}

		required := cfg.RecoverySuccesses
		if required <= 0 {
			required = unhealthyAfter
		}

		if !success && sm.ConsecutiveFailures >= unhealthyAfter {
			if sm.Status != registry.StatusUnhealthy && sm.Status != registry.StatusFailed {
				sm.Status = registry.StatusUnhealthy
			}
			becameUnwell = true
		}
		if success && sm.ConsecutiveSuccesses >= required &&
			(sm.Status == registry.StatusUnhealthy || sm.Status == registry.StatusFailed) {
			regainedWhile = true
		}
		status = sm.Status
	})
	if err != nil {
		// Unregistered between probe and result; nothing to do.
		return
	}

	metrics.RecordProbe(success, latency)

	switch tr {
	case breaker.TransitionOpened:
		metrics.RecordBreakerTransition(breaker.StateOpen.String())
		m.logger.Warn("circuit breaker opened", zap.String("service_id", id))
		m.bus.Publish(alerts.Alert{
			Severity:  alerts.SeverityHigh,
			ServiceID: id,
			Message:   "circuit breaker opened",
		})
		if m.fo != nil {
			m.fo.Trigger(id, "circuit breaker opened")
		}
	case breaker.TransitionReopened:
		metrics.RecordBreakerTransition(breaker.StateOpen.String())
		m.logger.Warn("breaker trial failed, reopening", zap.String("service_id", id))
	case breaker.TransitionClosed:
		metrics.RecordBreakerTransition(breaker.StateClosed.String())
		m.logger.Info("circuit breaker closed", zap.String("service_id", id))
		m.bus.Publish(alerts.Alert{
			Severity:  alerts.SeverityInfo,
			ServiceID: id,
			Message:   "circuit breaker closed",
		})
	}

	if becameUnwell && status != registry.StatusFailed && m.fo != nil {
		// Idempotent: a second trigger while a failover is active for this
		// service is a no-op inside the orchestrator.
		if m.fo.Trigger(id, "consecutive health check failures") {
			m.bus.Publish(alerts.Alert{
				Severity:  alerts.SeverityMedium,
				ServiceID: id,
				Message:   "service unhealthy, evaluating failover",
			})
		}
	}

	if regainedWhile {
		m.handleRegained(id)
	}
}

// handleRegained routes a recovered service either into canary recovery
// (when a failover is covering it) or straight back to healthy.
func (m *Monitor) handleRegained(id string) {
	if m.fo != nil {
		if _, active := m.fo.ActiveTarget(id); active {
			if m.rec != nil {
				m.rec.OnServiceHealthy(id)
			}
			return
		}
	}

	_ = m.reg.Update(id, func(_ *registry.ServiceEndpoint, sm *registry.ServiceMetrics, _ *breaker.Breaker) {
		sm.Status = registry.StatusHealthy
	})
	m.logger.Info("service healthy again", zap.String("service_id", id))
	m.bus.Publish(alerts.Alert{
		Severity:  alerts.SeverityInfo,
		ServiceID: id,
		Message:   "service healthy again",
	})
}

// ProbeNow performs the immediate registration-time probe for one service.
func (m *Monitor) ProbeNow(ctx context.Context, id string) {
	entry, ok := m.reg.Get(id)
	if !ok {
		return
	}
	cfg := m.config()
	pctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	latency, err := m.prober.Probe(pctx, entry.Endpoint.HealthCheckURL)
	m.handleResult(id, err == nil, latency, cfg)
}

func (m *Monitor) publishGauges() {
	counts := make(map[registry.Status]int)
	open := 0
	for _, e := range m.reg.Snapshot() {
		counts[e.Metrics.Status]++
		if e.Breaker.State == breaker.StateOpen {
			open++
		}
	}
	for _, s := range []registry.Status{
		registry.StatusHealthy, registry.StatusDegraded, registry.StatusUnhealthy,
		registry.StatusFailed, registry.StatusMaintenance, registry.StatusRecovering,
	} {
		metrics.SetServiceCount(s.String(), counts[s])
	}
	metrics.SetOpenBreakers(open)
}
