package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tourbase/resilience/internal/alerts"
	"github.com/tourbase/resilience/internal/breaker"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/metrics"
	"github.com/tourbase/resilience/internal/registry"
	"github.com/tourbase/resilience/internal/routing"
)

// Callback is invoked when a failover completes the routing switch.
type Callback func(sourceID, targetID string, level Level)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator runs staged failovers. At most one failover may be in flight
// or active per source service; Trigger is an idempotent no-op while one is.
type Orchestrator struct {
	mu           sync.Mutex
	cfg          config.FailoverConfig
	inFlight     map[string]*task
	redirections map[string]string // source -> target currently covering it
	perService   map[string][]Callback
	global       []Callback

	reg     *registry.Registry
	router  routing.Updater
	bus     *alerts.Bus
	history *History
	logger  *zap.Logger
}

// New creates an orchestrator.
func New(reg *registry.Registry, router routing.Updater, bus *alerts.Bus, cfg config.FailoverConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:          cfg,
		inFlight:     make(map[string]*task),
		redirections: make(map[string]string),
		perService:   make(map[string][]Callback),
		reg:          reg,
		router:       router,
		bus:          bus,
		history:      NewHistory(cfg.HistorySize),
		logger:       logger,
	}
}

// SetConfig swaps the tunable configuration. In-flight failovers keep the
// parameters they started with.
func (o *Orchestrator) SetConfig(cfg config.FailoverConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
}

// History exposes the failover audit log.
func (o *Orchestrator) History() *History { return o.history }

// OnFailover registers a callback fired for every completed failover.
func (o *Orchestrator) OnFailover(cb Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.global = append(o.global, cb)
}

// RegisterCallback registers a callback fired only for the given source.
func (o *Orchestrator) RegisterCallback(sourceID string, cb Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.perService[sourceID] = append(o.perService[sourceID], cb)
}

// ActiveTarget returns the backup currently covering sourceID, if any.
func (o *Orchestrator) ActiveTarget(sourceID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.redirections[sourceID]
	return t, ok
}

// ActiveCount returns the number of active redirections plus in-flight
// failovers.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.redirections)
	for id := range o.inFlight {
		if _, covered := o.redirections[id]; !covered {
			n++
		}
	}
	return n
}

// Redirections returns a copy of the active source to backup map for
// snapshotting.
func (o *Orchestrator) Redirections() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.redirections))
	for src, tgt := range o.redirections {
		out[src] = tgt
	}
	return out
}

// RestoreRedirections rehydrates active redirections from a snapshot so that
// services failed over before a restart keep their backup coverage.
func (o *Orchestrator) RestoreRedirections(m map[string]string) {
	o.mu.Lock()
	for src, tgt := range m {
		o.redirections[src] = tgt
	}
	n := len(o.redirections)
	o.mu.Unlock()
	metrics.SetActiveFailovers(n)
}

// Trigger starts a failover for sourceID unless one is already in flight or
// active. Returns true when a new failover was started.
func (o *Orchestrator) Trigger(sourceID, reason string) bool {
	o.mu.Lock()
	if _, busy := o.inFlight[sourceID]; busy {
		o.mu.Unlock()
		return false
	}
	if _, covered := o.redirections[sourceID]; covered {
		o.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	o.inFlight[sourceID] = t
	cfg := o.cfg
	o.mu.Unlock()

	go func() {
		defer close(t.done)
		o.execute(ctx, sourceID, reason, cfg)
	}()
	return true
}

// ClearRedirection releases the active-failover slot after a completed
// recovery.
func (o *Orchestrator) ClearRedirection(sourceID string) {
	o.mu.Lock()
	delete(o.redirections, sourceID)
	n := len(o.redirections)
	o.mu.Unlock()
	metrics.SetActiveFailovers(n)
}

// Cancel aborts any in-flight failover for sourceID, drops its redirection
// and waits for the worker to exit. Used on unregistration; terminal for the
// id, no further callbacks fire.
func (o *Orchestrator) Cancel(sourceID string) {
	o.mu.Lock()
	t := o.inFlight[sourceID]
	delete(o.redirections, sourceID)
	delete(o.perService, sourceID)
	o.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}
}

// Shutdown cancels every in-flight failover and waits for the workers.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	tasks := make([]*task, 0, len(o.inFlight))
	for _, t := range o.inFlight {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

func (o *Orchestrator) execute(ctx context.Context, sourceID, reason string, cfg config.FailoverConfig) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("failover worker panicked",
				zap.String("source", sourceID),
				zap.Any("panic", r))
			o.finish(Event{
				ID:        uuid.NewString(),
				Timestamp: started,
				SourceID:  sourceID,
				Reason:    reason,
				Duration:  time.Since(started),
			}, fmt.Errorf("panic: %v", r))
		}
		o.mu.Lock()
		delete(o.inFlight, sourceID)
		o.mu.Unlock()
	}()

	source, ok := o.reg.Get(sourceID)
	if !ok {
		return
	}

	candidates := scoreCandidates(source, discoverCandidates(o.reg, source), cfg.Weights)
	if len(candidates) == 0 {
		o.logger.Error("failover exhausted: no usable backup",
			zap.String("source", sourceID),
			zap.String("reason", reason))
		o.bus.Publish(alerts.Alert{
			Severity:  alerts.SeverityCritical,
			ServiceID: sourceID,
			Message:   "failover exhausted: no healthy backup candidate",
			Metadata:  map[string]interface{}{"reason": reason},
		})
		return
	}

	best := candidates[0]
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: started,
		SourceID:  sourceID,
		TargetID:  best.ID,
		Level:     best.Level,
		Reason:    reason,
	}

	o.logger.Info("failover starting",
		zap.String("source", sourceID),
		zap.String("target", best.ID),
		zap.String("level", best.Level.String()),
		zap.Float64("score", best.Score))

	o.notifyCallbacks(sourceID, best.ID, best.Level)

	if err := o.updateRouting(ctx, sourceID, best.ID, cfg); err != nil {
		event.Duration = time.Since(started)
		o.finish(event, err)
		return
	}

	// The target may have degraded while we reconfigured routing.
	if err := o.verifyTarget(best.ID); err != nil {
		event.Duration = time.Since(started)
		o.finish(event, err)
		return
	}

	for _, stage := range cfg.Stages {
		if err := ctx.Err(); err != nil {
			event.Duration = time.Since(started)
			o.finish(event, err)
			return
		}
		if err := o.verifyTarget(best.ID); err != nil {
			event.Duration = time.Since(started)
			o.finish(event, fmt.Errorf("at %d%% stage: %w", stage, err))
			return
		}
		if err := o.setSplit(ctx, sourceID, best.ID, stage, cfg); err != nil {
			event.Duration = time.Since(started)
			o.finish(event, err)
			return
		}
		o.logger.Info("failover stage applied",
			zap.String("source", sourceID),
			zap.String("target", best.ID),
			zap.Int("percent", stage))
		if stage < 100 && !sleepCtx(ctx, cfg.StageDelay) {
			event.Duration = time.Since(started)
			o.finish(event, ctx.Err())
			return
		}
	}

	event.Success = true
	event.Duration = time.Since(started)

	o.mu.Lock()
	o.redirections[sourceID] = best.ID
	n := len(o.redirections)
	o.mu.Unlock()
	metrics.SetActiveFailovers(n)

	// The source is now covered by its backup; keep probing it as failed so
	// recovery can detect it coming back.
	_ = o.reg.Update(sourceID, func(_ *registry.ServiceEndpoint, m *registry.ServiceMetrics, _ *breaker.Breaker) {
		m.Status = registry.StatusFailed
	})

	o.finish(event, nil)
}

func (o *Orchestrator) updateRouting(ctx context.Context, sourceID, targetID string, cfg config.FailoverConfig) error {
	rctx, cancel := context.WithTimeout(ctx, cfg.RoutingTimeout)
	defer cancel()
	return o.router.UpdateRouting(rctx, sourceID, targetID)
}

func (o *Orchestrator) setSplit(ctx context.Context, sourceID, targetID string, percent int, cfg config.FailoverConfig) error {
	rctx, cancel := context.WithTimeout(ctx, cfg.RoutingTimeout)
	defer cancel()
	return o.router.SetTrafficSplit(rctx, sourceID, targetID, percent)
}

func (o *Orchestrator) verifyTarget(targetID string) error {
	e, ok := o.reg.Get(targetID)
	if !ok {
		return fmt.Errorf("target %s unregistered", targetID)
	}
	if !e.Metrics.Status.Usable() {
		return fmt.Errorf("target %s became %s", targetID, e.Metrics.Status)
	}
	return nil
}

// finish records the event, emits the matching alert and updates counters.
// err == nil means success. A cancelled attempt (Cancel or Shutdown) is
// abandoned silently: no event, no alert, no failure counted.
func (o *Orchestrator) finish(event Event, err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		o.logger.Info("failover cancelled",
			zap.String("source", event.SourceID),
			zap.String("target", event.TargetID))
		return
	}

	o.history.Append(event)
	metrics.RecordFailover(event.Success)

	if err == nil {
		o.logger.Info("failover complete",
			zap.String("source", event.SourceID),
			zap.String("target", event.TargetID),
			zap.Duration("duration", event.Duration))
		o.bus.Publish(alerts.Alert{
			Severity:  alerts.SeverityHigh,
			ServiceID: event.SourceID,
			Message:   fmt.Sprintf("failover to %s complete", event.TargetID),
			Metadata: map[string]interface{}{
				"target":   event.TargetID,
				"level":    event.Level.String(),
				"duration": event.Duration.String(),
			},
		})
		return
	}

	o.logger.Error("failover failed",
		zap.String("source", event.SourceID),
		zap.String("target", event.TargetID),
		zap.Error(err))
	o.bus.Publish(alerts.Alert{
		Severity:  alerts.SeverityCritical,
		ServiceID: event.SourceID,
		Message:   fmt.Sprintf("failover to %s failed: %v", event.TargetID, err),
		Metadata: map[string]interface{}{
			"target": event.TargetID,
			"reason": event.Reason,
		},
	})
}

func (o *Orchestrator) notifyCallbacks(sourceID, targetID string, level Level) {
	o.mu.Lock()
	cbs := make([]Callback, 0, len(o.global)+len(o.perService[sourceID]))
	cbs = append(cbs, o.global...)
	cbs = append(cbs, o.perService[sourceID]...)
	o.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("failover callback panicked", zap.Any("panic", r))
				}
			}()
			cb(sourceID, targetID, level)
		}()
	}
}

// sleepCtx sleeps d unless ctx is cancelled first; returns false on cancel.
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
