// Package system wires the registry, health monitor, circuit breakers,
// failover orchestrator and recovery manager into one lifecycle-managed unit.
package system

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tourbase/resilience/internal/alerts"
	"github.com/tourbase/resilience/internal/breaker"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/failover"
	"github.com/tourbase/resilience/internal/health"
	"github.com/tourbase/resilience/internal/recovery"
	"github.com/tourbase/resilience/internal/registry"
	"github.com/tourbase/resilience/internal/routing"
	"github.com/tourbase/resilience/internal/sla"
	"github.com/tourbase/resilience/internal/snapshot"
)

// System is the top-level facade callers embed the subsystem through.
type System struct {
	cfg    *config.Config
	logger *zap.Logger

	Registry *registry.Registry
	Bus      *alerts.Bus
	Orch     *failover.Orchestrator
	Recovery *recovery.Manager
	Monitor  *health.Monitor
	SLA      *sla.Detector

	store snapshot.Store

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Options carries optional collaborator overrides; zero value uses the
// HTTP implementations configured from cfg.
type Options struct {
	Router routing.Updater
	Prober health.Prober
	Store  snapshot.Store
}

// New assembles a system from configuration. The routing updater base URL is
// required unless Options.Router is supplied.
func New(cfg *config.Config, opts Options, logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New(registry.BreakerConfig{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		Timeout:           cfg.Breaker.Timeout,
		RequiredSuccesses: cfg.Breaker.RequiredSuccesses,
	}, logger.Named("registry"))

	bus := alerts.NewBus(logger.Named("alerts"))

	router := opts.Router
	if router == nil {
		router = routing.NewHTTPUpdater(cfg.Failover.RoutingURL, cfg.Failover.RoutingTimeout, logger.Named("routing"))
	}
	prober := opts.Prober
	if prober == nil {
		prober = health.NewHTTPProber(cfg.Health.ProbeTimeout)
	}
	store := opts.Store
	if store == nil {
		store = snapshot.NewFileStore(cfg.Snapshot.Path, logger.Named("snapshot"))
	}

	orch := failover.New(reg, router, bus, cfg.Failover, logger.Named("failover"))
	rec := recovery.New(reg, router, orch, prober, bus, cfg.Recovery, logger.Named("recovery"))
	mon := health.NewMonitor(reg, prober, bus, orch, rec, cfg.Health, logger.Named("health"))
	det := sla.New(reg, bus, cfg.SLA, logger.Named("sla"))

	return &System{
		cfg:      cfg,
		logger:   logger,
		Registry: reg,
		Bus:      bus,
		Orch:     orch,
		Recovery: rec,
		Monitor:  mon,
		SLA:      det,
		store:    store,
	}
}

// RegisterService adds an endpoint, optionally into groups, and probes it
// immediately so its first status reflects reality rather than a default.
func (s *System) RegisterService(ep registry.ServiceEndpoint, groups []string, onFailover failover.Callback, onRecovery recovery.Callback) error {
	if err := s.Registry.Register(ep, groups...); err != nil {
		return err
	}
	if onFailover != nil {
		s.Orch.RegisterCallback(ep.ID, onFailover)
	}
	if onRecovery != nil {
		s.Recovery.RegisterCallback(ep.ID, onRecovery)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Health.ProbeTimeout)
	defer cancel()
	s.Monitor.ProbeNow(ctx, ep.ID)

	s.logger.Info("service registered",
		zap.String("service", ep.ID),
		zap.Strings("groups", groups))
	return nil
}

// UnregisterService cancels any in-flight failover or recovery for the
// service and removes it. After return no further alerts or callbacks
// reference the id.
func (s *System) UnregisterService(id string) error {
	s.Orch.Cancel(id)
	s.Recovery.Cancel(id)
	if !s.Registry.Unregister(id) {
		return registry.ErrNotFound
	}
	s.logger.Info("service unregistered", zap.String("service", id))
	return nil
}

// Start restores the last snapshot if one exists, then runs the periodic
// loops until Stop is called.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("system: already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.restoreSnapshot(runCtx); err != nil {
		s.logger.Warn("snapshot restore failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.Monitor.Run(runCtx) }()
	go func() { defer wg.Done(); s.SLA.Run(runCtx) }()
	go func() { defer wg.Done(); s.snapshotLoop(runCtx) }()

	go func() {
		wg.Wait()
		close(s.done)
	}()

	s.logger.Info("resilience system started")
	return nil
}

// Stop halts the loops, waits out in-flight failover and recovery work and
// writes a final snapshot.
func (s *System) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.Orch.Shutdown()
	s.Recovery.Shutdown()

	if err := s.saveSnapshot(ctx); err != nil {
		s.logger.Warn("final snapshot failed", zap.Error(err))
	}
	s.Bus.Stop()
	s.logger.Info("resilience system stopped")
	return nil
}

// SetMaintenance moves a service in or out of maintenance. A service in
// maintenance is not probed and never selected as a failover target.
func (s *System) SetMaintenance(id string, on bool) error {
	return s.Registry.SetMaintenance(id, on)
}

// Status summarizes the whole subsystem for collaborators.
type Status struct {
	ServiceCounts       map[string]int   `json:"service_counts"`
	OpenBreakers        int              `json:"open_breakers"`
	ActiveFailovers     int              `json:"active_failovers"`
	FailoverSuccessRate float64          `json:"failover_success_rate"`
	Services            []registry.Entry `json:"services"`
}

// SystemStatus reports current service states, breaker counts and the
// failover success rate.
func (s *System) SystemStatus() Status {
	entries := s.Registry.Snapshot()
	st := Status{
		ServiceCounts:       make(map[string]int),
		ActiveFailovers:     s.Orch.ActiveCount(),
		FailoverSuccessRate: s.Orch.History().SuccessRate(),
		Services:            entries,
	}
	for _, e := range entries {
		st.ServiceCounts[e.Metrics.Status.String()]++
		if e.Breaker.State == breaker.StateOpen {
			st.OpenBreakers++
		}
	}
	return st
}

// ApplyConfig fans a reloaded configuration out to the running components.
func (s *System) ApplyConfig(cfg *config.Config) {
	s.Monitor.SetConfig(cfg.Health)
	s.Orch.SetConfig(cfg.Failover)
	s.Recovery.SetConfig(cfg.Recovery)
	s.SLA.SetConfig(cfg.SLA)
	s.logger.Info("configuration reloaded")
}

func (s *System) snapshotLoop(ctx context.Context) {
	interval := s.cfg.Snapshot.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.saveSnapshot(ctx); err != nil {
				s.logger.Warn("periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

func (s *System) saveSnapshot(ctx context.Context) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return s.store.Save(saveCtx, snapshot.Capture(s.Registry, s.Orch))
}

func (s *System) restoreSnapshot(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	snap, err := s.store.Load(loadCtx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}

	snapshot.Restore(snap, s.Registry, s.Orch)
	s.logger.Info("state restored from snapshot",
		zap.Time("taken_at", snap.TakenAt),
		zap.Int("services", len(snap.Services)))
	return nil
}
