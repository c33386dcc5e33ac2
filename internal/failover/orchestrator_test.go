package failover

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourbase/resilience/internal/alerts"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/registry"
	"github.com/tourbase/resilience/internal/routing"
)

func fastConfig() config.FailoverConfig {
	cfg := config.Default().Failover
	cfg.StageDelay = time.Millisecond
	cfg.RoutingTimeout = time.Second
	return cfg
}

func newOrchestrator(t *testing.T) (*Orchestrator, *registry.Registry, *routing.MemoryUpdater, *alerts.Bus) {
	t.Helper()
	reg := registry.New(registry.BreakerConfig{}, nil)
	router := routing.NewMemoryUpdater()
	bus := alerts.NewBus(nil)
	t.Cleanup(bus.Stop)
	o := New(reg, router, bus, fastConfig(), nil)
	t.Cleanup(o.Shutdown)
	return o, reg, router, bus
}

func waitForEvents(t *testing.T, h *History, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.All()) >= n }, 2*time.Second, 2*time.Millisecond)
	return h.All()
}

func TestOrchestrator_FailoverToOnlyBackup(t *testing.T) {
	o, reg, router, _ := newOrchestrator(t)

	src := endpoint("a", "eu", 1)
	src.BackupEndpointIDs = []string{"b"}
	require.NoError(t, reg.Register(src))
	require.NoError(t, reg.Register(endpoint("b", "eu", 1)))

	var cbSource, cbTarget string
	o.RegisterCallback("a", func(s, tgt string, _ Level) { cbSource, cbTarget = s, tgt })

	require.True(t, o.Trigger("a", "circuit opened"))

	events := waitForEvents(t, o.History(), 1)
	e := events[0]
	assert.True(t, e.Success)
	assert.Equal(t, "a", e.SourceID)
	assert.Equal(t, "b", e.TargetID)
	assert.Equal(t, LevelService, e.Level)
	assert.Greater(t, e.Duration, time.Duration(0))

	target, active := o.ActiveTarget("a")
	assert.True(t, active)
	assert.Equal(t, "b", target)
	assert.Equal(t, 100, router.Split("a"))

	// Source was marked failed so recovery can observe it coming back.
	entry, _ := reg.Get("a")
	assert.Equal(t, registry.StatusFailed, entry.Metrics.Status)

	assert.Equal(t, "a", cbSource)
	assert.Equal(t, "b", cbTarget)
}

func TestOrchestrator_TriggerIsIdempotent(t *testing.T) {
	o, reg, _, _ := newOrchestrator(t)

	src := endpoint("a", "eu", 1)
	src.BackupEndpointIDs = []string{"b"}
	require.NoError(t, reg.Register(src))
	require.NoError(t, reg.Register(endpoint("b", "eu", 1)))

	require.True(t, o.Trigger("a", "first"))
	waitForEvents(t, o.History(), 1)

	// Redirection is active; a second trigger is a silent no-op.
	assert.False(t, o.Trigger("a", "second"))
	assert.Len(t, o.History().All(), 1)
}

func TestOrchestrator_NoCandidatesEmitsCriticalAlert(t *testing.T) {
	o, reg, _, bus := newOrchestrator(t)

	require.NoError(t, reg.Register(endpoint("lonely", "eu", 1)))

	require.True(t, o.Trigger("lonely", "unhealthy"))

	require.Eventually(t, func() bool {
		for _, a := range bus.Recent(0) {
			if a.Severity == alerts.SeverityCritical && a.ServiceID == "lonely" {
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond)

	_, active := o.ActiveTarget("lonely")
	assert.False(t, active)
	assert.Empty(t, o.History().All())

	// The slot is free again for the next health-monitor tick.
	require.Eventually(t, func() bool { return o.Trigger("lonely", "retry") }, 2*time.Second, 2*time.Millisecond)
}

func TestOrchestrator_RoutingFailureReleasesSlot(t *testing.T) {
	o, reg, router, _ := newOrchestrator(t)

	src := endpoint("a", "eu", 1)
	src.BackupEndpointIDs = []string{"b"}
	require.NoError(t, reg.Register(src))
	require.NoError(t, reg.Register(endpoint("b", "eu", 1)))

	router.FailNext(errors.New("mesh unreachable"))
	require.True(t, o.Trigger("a", "unhealthy"))

	events := waitForEvents(t, o.History(), 1)
	assert.False(t, events[0].Success)

	_, active := o.ActiveTarget("a")
	assert.False(t, active)

	// A later evaluation may retry.
	require.Eventually(t, func() bool { return o.Trigger("a", "retry") }, 2*time.Second, 2*time.Millisecond)
}

func TestOrchestrator_AbortsWhenTargetDegradesMidTransfer(t *testing.T) {
	o, reg, router, _ := newOrchestrator(t)
	cfg := fastConfig()
	cfg.StageDelay = 50 * time.Millisecond
	o.SetConfig(cfg)

	src := endpoint("a", "eu", 1)
	src.BackupEndpointIDs = []string{"b"}
	require.NoError(t, reg.Register(src))
	require.NoError(t, reg.Register(endpoint("b", "eu", 1)))

	require.True(t, o.Trigger("a", "unhealthy"))

	// Let the first stage land, then fail the target.
	require.Eventually(t, func() bool { return router.Split("a") >= 10 }, 2*time.Second, time.Millisecond)
	setStatus(t, reg, "b", registry.StatusUnhealthy)

	events := waitForEvents(t, o.History(), 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, "b", events[0].TargetID)
	assert.Less(t, router.Split("a"), 100)

	_, active := o.ActiveTarget("a")
	assert.False(t, active)
}

func TestOrchestrator_CancelStopsInFlightFailover(t *testing.T) {
	o, reg, _, bus := newOrchestrator(t)
	cfg := fastConfig()
	cfg.StageDelay = time.Minute // park the worker between stages
	o.SetConfig(cfg)

	src := endpoint("a", "eu", 1)
	src.BackupEndpointIDs = []string{"b"}
	require.NoError(t, reg.Register(src))
	require.NoError(t, reg.Register(endpoint("b", "eu", 1)))

	require.True(t, o.Trigger("a", "unhealthy"))

	done := make(chan struct{})
	go func() {
		o.Cancel("a")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not join the in-flight failover")
	}

	_, active := o.ActiveTarget("a")
	assert.False(t, active)

	// A cancelled attempt is abandoned, not failed: no event is recorded
	// and no alert may reference the id afterwards (the id is typically
	// being unregistered).
	assert.True(t, reg.Unregister("a"))
	assert.Empty(t, o.History().All())
	for _, a := range bus.Recent(0) {
		assert.NotEqual(t, "a", a.ServiceID, "alert %q after cancel", a.Message)
	}
}

func TestOrchestrator_ParallelFailoversForDifferentSources(t *testing.T) {
	o, reg, _, _ := newOrchestrator(t)

	for _, id := range []string{"a", "b"} {
		src := endpoint(id, "eu", 1)
		src.BackupEndpointIDs = []string{"shared-backup"}
		require.NoError(t, reg.Register(src))
	}
	require.NoError(t, reg.Register(endpoint("shared-backup", "eu", 1)))

	require.True(t, o.Trigger("a", "unhealthy"))
	require.True(t, o.Trigger("b", "unhealthy"))

	events := waitForEvents(t, o.History(), 2)
	assert.True(t, events[0].Success)
	assert.True(t, events[1].Success)
}
