package alerts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *collector) Notify(a Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestBus_PublishReachesObservers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Stop()

	c := &collector{}
	bus.Subscribe(c)

	bus.Publish(Alert{Severity: SeverityHigh, ServiceID: "bookings-api", Message: "breaker opened"})

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotEmpty(t, c.alerts[0].ID)
	assert.False(t, c.alerts[0].Timestamp.IsZero())
	assert.Equal(t, SeverityHigh, c.alerts[0].Severity)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Stop()

	c := &collector{}
	token := bus.Subscribe(c)
	bus.Unsubscribe(token)

	bus.Publish(Alert{Severity: SeverityInfo, Message: "ignored"})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestBus_PanickingObserverIsIsolated(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Stop()

	bus.Subscribe(ObserverFunc(func(Alert) { panic("observer bug") }))
	c := &collector{}
	bus.Subscribe(c)

	bus.Publish(Alert{Severity: SeverityCritical, Message: "first"})
	bus.Publish(Alert{Severity: SeverityCritical, Message: "second"})

	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_RecentIsBounded(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Stop()

	for i := 0; i < 600; i++ {
		bus.Publish(Alert{Severity: SeverityLow, Message: "tick"})
	}

	all := bus.Recent(0)
	assert.Len(t, all, defaultHistorySize)

	last := bus.Recent(3)
	assert.Len(t, last, 3)
}

func TestBus_StopDrainsQueue(t *testing.T) {
	bus := NewBus(nil)

	c := &collector{}
	bus.Subscribe(c)

	for i := 0; i < 10; i++ {
		bus.Publish(Alert{Severity: SeverityInfo, Message: "drain me"})
	}
	bus.Stop()

	assert.Equal(t, 10, c.count())
}
