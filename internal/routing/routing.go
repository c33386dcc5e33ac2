// Package routing talks to the external routing layer (load balancer,
// service mesh or DNS) that actually moves traffic between services.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Updater applies routing changes. Implementations must honour the context
// deadline; the orchestrator never calls without one.
type Updater interface {
	// UpdateRouting points sourceID's traffic at targetID.
	UpdateRouting(ctx context.Context, sourceID, targetID string) error
	// SetTrafficSplit moves percent% of sourceID's traffic to targetID
	// during staged transfers and canary rollouts.
	SetTrafficSplit(ctx context.Context, sourceID, targetID string, percent int) error
}

// HTTPUpdater drives a routing control plane over its REST API.
type HTTPUpdater struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPUpdater creates an updater for the control plane at baseURL.
// timeout bounds every call.
func NewHTTPUpdater(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPUpdater {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(1)
	return &HTTPUpdater{client: client, logger: logger}
}

// UpdateRouting implements Updater.
func (u *HTTPUpdater) UpdateRouting(ctx context.Context, sourceID, targetID string) error {
	resp, err := u.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"source": sourceID, "target": targetID}).
		Post("/v1/routes")
	if err != nil {
		return fmt.Errorf("routing: update %s -> %s: %w", sourceID, targetID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("routing: update %s -> %s: control plane returned %s", sourceID, targetID, resp.Status())
	}
	u.logger.Info("routing updated",
		zap.String("source", sourceID),
		zap.String("target", targetID))
	return nil
}

// SetTrafficSplit implements Updater.
func (u *HTTPUpdater) SetTrafficSplit(ctx context.Context, sourceID, targetID string, percent int) error {
	resp, err := u.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"source":  sourceID,
			"target":  targetID,
			"percent": percent,
		}).
		Post("/v1/routes/split")
	if err != nil {
		return fmt.Errorf("routing: split %s -> %s at %d%%: %w", sourceID, targetID, percent, err)
	}
	if resp.IsError() {
		return fmt.Errorf("routing: split %s -> %s at %d%%: control plane returned %s", sourceID, targetID, percent, resp.Status())
	}
	return nil
}

// MemoryUpdater records routing state in memory. Used in development mode
// and throughout the tests.
type MemoryUpdater struct {
	mu     sync.Mutex
	routes map[string]string // source -> target
	splits map[string]int    // source -> percent currently on target
	calls  []string

	failNext error
}

// NewMemoryUpdater creates an empty in-memory updater.
func NewMemoryUpdater() *MemoryUpdater {
	return &MemoryUpdater{
		routes: make(map[string]string),
		splits: make(map[string]int),
	}
}

// FailNext makes the next call return err.
func (m *MemoryUpdater) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// UpdateRouting implements Updater.
func (m *MemoryUpdater) UpdateRouting(_ context.Context, sourceID, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	m.routes[sourceID] = targetID
	m.calls = append(m.calls, fmt.Sprintf("route %s->%s", sourceID, targetID))
	return nil
}

// SetTrafficSplit implements Updater.
func (m *MemoryUpdater) SetTrafficSplit(_ context.Context, sourceID, targetID string, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	m.routes[sourceID] = targetID
	m.splits[sourceID] = percent
	m.calls = append(m.calls, fmt.Sprintf("split %s->%s %d%%", sourceID, targetID, percent))
	return nil
}

// Route returns the current target for a source.
func (m *MemoryUpdater) Route(sourceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.routes[sourceID]
	return t, ok
}

// Split returns the current split percentage for a source.
func (m *MemoryUpdater) Split(sourceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.splits[sourceID]
}

// Calls returns the ordered call log.
func (m *MemoryUpdater) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
