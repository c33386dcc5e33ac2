package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourbase/resilience/internal/alerts"
	"github.com/tourbase/resilience/internal/breaker"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/failover"
	"github.com/tourbase/resilience/internal/registry"
	"github.com/tourbase/resilience/internal/routing"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Probe(context.Context, string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return 50 * time.Millisecond, p.err
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func fastRecoveryConfig() config.RecoveryConfig {
	cfg := config.Default().Recovery
	cfg.IntermediateWindow = 20 * time.Millisecond
	cfg.FinalWindow = 10 * time.Millisecond
	cfg.PreflightDelay = time.Millisecond
	return cfg
}

type fixture struct {
	reg    *registry.Registry
	router *routing.MemoryUpdater
	orch   *failover.Orchestrator
	bus    *alerts.Bus
	prober *fakeProber
	mgr    *Manager
}

// newFixture registers service a with backup b and completes a failover so
// that a is covered by b, the precondition for every recovery.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.New(registry.BreakerConfig{}, nil)
	router := routing.NewMemoryUpdater()
	bus := alerts.NewBus(nil)
	t.Cleanup(bus.Stop)

	foCfg := config.Default().Failover
	foCfg.StageDelay = time.Millisecond
	orch := failover.New(reg, router, bus, foCfg, nil)
	t.Cleanup(orch.Shutdown)

	src := registry.ServiceEndpoint{
		ID:                "a",
		URL:               "http://a:8080",
		HealthCheckURL:    "http://a:8080/health",
		Region:            "eu",
		BackupEndpointIDs: []string{"b"},
	}
	require.NoError(t, reg.Register(src))
	require.NoError(t, reg.Register(registry.ServiceEndpoint{
		ID:             "b",
		URL:            "http://b:8080",
		HealthCheckURL: "http://b:8080/health",
		Region:         "eu",
	}))

	require.True(t, orch.Trigger("a", "test setup"))
	require.Eventually(t, func() bool {
		_, active := orch.ActiveTarget("a")
		return active
	}, 2*time.Second, time.Millisecond)

	prober := &fakeProber{}
	mgr := New(reg, router, orch, prober, bus, fastRecoveryConfig(), nil)
	t.Cleanup(mgr.Shutdown)

	// Healthy live metrics so canary validation passes unless a test says
	// otherwise.
	setMetrics(t, reg, "a", 100.0, 100*time.Millisecond)

	return &fixture{reg: reg, router: router, orch: orch, bus: bus, prober: prober, mgr: mgr}
}

func setMetrics(t *testing.T, reg *registry.Registry, id string, uptime float64, avg time.Duration) {
	t.Helper()
	require.NoError(t, reg.Update(id, func(_ *registry.ServiceEndpoint, m *registry.ServiceMetrics, _ *breaker.Breaker) {
		m.UptimePercentage = uptime
		m.AvgResponseTime = avg
	}))
}

func TestManager_FullRecovery(t *testing.T) {
	f := newFixture(t)

	var recoveredID, backupID string
	f.mgr.RegisterCallback("a", func(r, b string) { recoveredID, backupID = r, b })

	require.True(t, f.mgr.OnServiceHealthy("a"))

	require.Eventually(t, func() bool {
		_, active := f.orch.ActiveTarget("a")
		return !active
	}, 3*time.Second, 2*time.Millisecond)

	target, _ := f.router.Route("a")
	assert.Equal(t, "a", target)

	entry, _ := f.reg.Get("a")
	assert.Equal(t, registry.StatusHealthy, entry.Metrics.Status)

	assert.Equal(t, "a", recoveredID)
	assert.Equal(t, "b", backupID)
}

func TestManager_RollbackAtFiftyPercent(t *testing.T) {
	f := newFixture(t)
	cfg := fastRecoveryConfig()
	cfg.IntermediateWindow = 60 * time.Millisecond
	f.mgr.SetConfig(cfg)

	require.True(t, f.mgr.OnServiceHealthy("a"))

	// Let the canary reach the 50% stage, then degrade the measured
	// response time past the 3s threshold.
	require.Eventually(t, func() bool { return f.router.Split("a") == 50 }, 3*time.Second, time.Millisecond)
	setMetrics(t, f.reg, "a", 100.0, 4*time.Second)

	require.Eventually(t, func() bool {
		entry, _ := f.reg.Get("a")
		return entry.Metrics.Status == registry.StatusFailed
	}, 3*time.Second, 2*time.Millisecond)

	// All traffic reverted to the stable backup; the redirection stays.
	target, _ := f.router.Route("a")
	assert.Equal(t, "b", target)
	assert.Equal(t, 100, f.router.Split("a"))

	backup, active := f.orch.ActiveTarget("a")
	assert.True(t, active)
	assert.Equal(t, "b", backup)
}

func TestManager_PreflightFailureKeepsBackupServing(t *testing.T) {
	f := newFixture(t)
	f.prober.setErr(errors.New("still flapping"))

	require.True(t, f.mgr.OnServiceHealthy("a"))

	require.Eventually(t, func() bool {
		f.mgr.mu.Lock()
		defer f.mgr.mu.Unlock()
		return len(f.mgr.inFlight) == 0
	}, 3*time.Second, 2*time.Millisecond)

	// No canary traffic moved; redirection intact.
	target, _ := f.router.Route("a")
	assert.Equal(t, "b", target)
	_, active := f.orch.ActiveTarget("a")
	assert.True(t, active)
}

func TestManager_NoOpWithoutActiveFailover(t *testing.T) {
	f := newFixture(t)
	f.orch.ClearRedirection("a")

	assert.False(t, f.mgr.OnServiceHealthy("a"))
}

func TestManager_ReentryWhileRunningIsNoOp(t *testing.T) {
	f := newFixture(t)
	cfg := fastRecoveryConfig()
	cfg.IntermediateWindow = time.Minute
	f.mgr.SetConfig(cfg)

	require.True(t, f.mgr.OnServiceHealthy("a"))
	assert.False(t, f.mgr.OnServiceHealthy("a"))

	f.mgr.Cancel("a")
}

func TestManager_CancelJoinsWorker(t *testing.T) {
	f := newFixture(t)
	cfg := fastRecoveryConfig()
	cfg.IntermediateWindow = time.Minute
	f.mgr.SetConfig(cfg)

	require.True(t, f.mgr.OnServiceHealthy("a"))

	done := make(chan struct{})
	go func() {
		f.mgr.Cancel("a")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not join the in-flight recovery")
	}
}

// stallingRouter parks SetTrafficSplit until the caller's context is
// cancelled, pinning the worker mid-shift.
type stallingRouter struct{}

func (stallingRouter) UpdateRouting(context.Context, string, string) error { return nil }

func (stallingRouter) SetTrafficSplit(ctx context.Context, _, _ string, _ int) error {
	<-ctx.Done()
	return ctx.Err()
}

func alertCount(bus *alerts.Bus, id string) int {
	n := 0
	for _, a := range bus.Recent(0) {
		if a.ServiceID == id {
			n++
		}
	}
	return n
}

func TestManager_CancelDuringTrafficShiftStaysSilent(t *testing.T) {
	f := newFixture(t)
	mgr := New(f.reg, stallingRouter{}, f.orch, f.prober, f.bus, fastRecoveryConfig(), nil)
	t.Cleanup(mgr.Shutdown)

	require.True(t, mgr.OnServiceHealthy("a"))
	require.Eventually(t, func() bool {
		entry, _ := f.reg.Get("a")
		return entry.Metrics.Status == registry.StatusRecovering
	}, 2*time.Second, time.Millisecond)

	before := alertCount(f.bus, "a")
	mgr.Cancel("a")

	// Cancellation mid-shift must not roll back: no alert references the
	// id and it is not re-marked failed.
	assert.Equal(t, before, alertCount(f.bus, "a"))
	entry, _ := f.reg.Get("a")
	assert.NotEqual(t, registry.StatusFailed, entry.Metrics.Status)
}

func TestManager_MonotonicStages(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.mgr.OnServiceHealthy("a"))
	require.Eventually(t, func() bool {
		_, active := f.orch.ActiveTarget("a")
		return !active
	}, 3*time.Second, 2*time.Millisecond)

	var seen []int
	for _, call := range f.router.Calls() {
		var pair string
		var pct int
		if n, _ := fmt.Sscanf(call, "split %s %d%%", &pair, &pct); n == 2 && pair == "a->a" {
			seen = append(seen, pct)
		}
	}
	assert.Equal(t, []int{5, 20, 50, 100}, seen)
}
