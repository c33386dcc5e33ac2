// Package alerts fans structured alerts out to registered observers.
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tourbase/resilience/internal/metrics"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Alert is one structured notification.
type Alert struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  Severity               `json:"severity"`
	ServiceID string                 `json:"service_id,omitempty"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Observer receives published alerts.
type Observer interface {
	Notify(Alert)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Alert)

// Notify implements Observer.
func (f ObserverFunc) Notify(a Alert) { f(a) }

const defaultHistorySize = 500

// Bus is an in-memory alert bus with bounded history and asynchronous
// dispatch. A panicking observer is isolated; the rest still get the alert.
type Bus struct {
	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
	history   []Alert
	maxKept   int

	ch     chan Alert
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

// NewBus creates a bus and starts its dispatcher.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		observers: make(map[int]Observer),
		maxKept:   defaultHistorySize,
		ch:        make(chan Alert, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go b.dispatch()
	return b
}

// Subscribe registers an observer and returns a token for Unsubscribe.
func (b *Bus) Subscribe(o Observer) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.observers[b.nextID] = o
	return b.nextID
}

// Unsubscribe removes an observer. Safe to call with an unknown token.
func (b *Bus) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, token)
}

// Publish records the alert and queues it for delivery. Publishing never
// blocks; when the queue is full the alert is kept in history but dropped
// from delivery.
func (b *Bus) Publish(a Alert) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, a)
	if len(b.history) > b.maxKept {
		b.history = b.history[len(b.history)-b.maxKept:]
	}
	b.mu.Unlock()

	metrics.RecordAlert(string(a.Severity))

	select {
	case b.ch <- a:
	default:
		b.logger.Warn("alert queue full, dropping delivery",
			zap.String("alert_id", a.ID),
			zap.String("severity", string(a.Severity)))
	}
}

// Recent returns up to n of the most recent alerts, newest last.
func (b *Bus) Recent(n int) []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Alert, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Stop shuts the dispatcher down after draining queued alerts.
func (b *Bus) Stop() {
	close(b.stop)
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		select {
		case a := <-b.ch:
			b.deliver(a)
		case <-b.stop:
			for {
				select {
				case a := <-b.ch:
					b.deliver(a)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(a Alert) {
	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	b.mu.RUnlock()

	for _, o := range observers {
		b.notifyOne(o, a)
	}
}

func (b *Bus) notifyOne(o Observer, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("alert observer panicked",
				zap.Any("panic", r),
				zap.String("alert_id", a.ID))
		}
	}()
	o.Notify(a)
}
