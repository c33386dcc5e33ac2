package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tourbase/resilience/internal/breaker"
)

var (
	// ErrNotFound is returned when a service id is not registered.
	ErrNotFound = errors.New("registry: service not found")
	// ErrDuplicate is returned when registering an id that already exists.
	ErrDuplicate = errors.New("registry: service already registered")
)

// BreakerConfig carries the circuit breaker parameters applied to newly
// registered services.
type BreakerConfig struct {
	FailureThreshold  int
	Timeout           time.Duration
	RequiredSuccesses int
}

// Registry owns every ServiceEndpoint together with its metrics and breaker
// state. A service's three records are created atomically on registration and
// removed together on unregistration; readers always see fully built entries.
//
// Locking: the registry map is guarded by an RWMutex; each entry carries its
// own mutex so mutations of two different services proceed in parallel while
// mutations of the same service are serialized.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*serviceEntry
	groups  map[string]map[string]struct{}

	breakerCfg BreakerConfig
	logger     *zap.Logger
}

type serviceEntry struct {
	mu       sync.Mutex
	endpoint ServiceEndpoint
	metrics  ServiceMetrics
	breaker  *breaker.Breaker
}

// New creates an empty registry.
func New(breakerCfg BreakerConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries:    make(map[string]*serviceEntry),
		groups:     make(map[string]map[string]struct{}),
		breakerCfg: breakerCfg,
		logger:     logger,
	}
}

// Register adds a service and its metrics/breaker records, optionally adding
// it to the named groups.
func (r *Registry) Register(ep ServiceEndpoint, groups ...string) error {
	if err := ep.Validate(); err != nil {
		return err
	}

	// Build the entry completely before it becomes visible.
	entry := &serviceEntry{
		endpoint: ep.clone(),
		metrics:  NewServiceMetrics(),
		breaker: breaker.New(
			r.breakerCfg.FailureThreshold,
			r.breakerCfg.Timeout,
			r.breakerCfg.RequiredSuccesses,
		),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[ep.ID]; exists {
		return ErrDuplicate
	}
	r.entries[ep.ID] = entry
	for _, g := range groups {
		if g == "" {
			continue
		}
		if r.groups[g] == nil {
			r.groups[g] = make(map[string]struct{})
		}
		r.groups[g][ep.ID] = struct{}{}
	}

	r.logger.Info("service registered",
		zap.String("service_id", ep.ID),
		zap.String("region", ep.Region),
		zap.Strings("groups", groups))
	return nil
}

// Unregister removes the service from the registry and from every group.
// Returns false when the id is unknown.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return false
	}
	delete(r.entries, id)
	for g, members := range r.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(r.groups, g)
		}
	}

	r.logger.Info("service unregistered", zap.String("service_id", id))
	return true
}

// Get returns a copy of the service's full record.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return Entry{
		Endpoint: entry.endpoint.clone(),
		Metrics:  entry.metrics.clone(),
		Breaker:  entry.breaker.Clone(),
	}, true
}

// List returns all registered ids, sorted for deterministic iteration.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListByGroup returns the sorted member ids of a group.
func (r *Registry) ListByGroup(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GroupsOf returns the sorted names of the groups a service belongs to.
func (r *Registry) GroupsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for g, members := range r.groups {
		if _, ok := members[id]; ok {
			names = append(names, g)
		}
	}
	sort.Strings(names)
	return names
}

// SameGroup reports whether two services share at least one group.
func (r *Registry) SameGroup(a, b string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, members := range r.groups {
		_, hasA := members[a]
		_, hasB := members[b]
		if hasA && hasB {
			return true
		}
	}
	return false
}

// Update runs fn under the service's exclusive lock. fn receives the live
// records and may mutate them; this is the single-writer path every
// component uses. Returns ErrNotFound for unknown ids.
func (r *Registry) Update(id string, fn func(ep *ServiceEndpoint, m *ServiceMetrics, b *breaker.Breaker)) error {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(&entry.endpoint, &entry.metrics, entry.breaker)
	return nil
}

// UpdateEndpoint replaces a registered endpoint's configuration. Metrics and
// breaker state are preserved.
func (r *Registry) UpdateEndpoint(ep ServiceEndpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	return r.Update(ep.ID, func(cur *ServiceEndpoint, _ *ServiceMetrics, _ *breaker.Breaker) {
		*cur = ep.clone()
	})
}

// SetMaintenance moves a service in or out of operator maintenance. Leaving
// maintenance resets the service to healthy pending the next probe.
func (r *Registry) SetMaintenance(id string, on bool) error {
	return r.Update(id, func(_ *ServiceEndpoint, m *ServiceMetrics, _ *breaker.Breaker) {
		if on {
			m.Status = StatusMaintenance
		} else if m.Status == StatusMaintenance {
			m.Status = StatusHealthy
			m.ConsecutiveFailures = 0
			m.ConsecutiveSuccesses = 0
		}
	})
}

// SetConnections records the current connection count reported by the
// routing layer, used for spare-capacity scoring.
func (r *Registry) SetConnections(id string, n int) error {
	return r.Update(id, func(_ *ServiceEndpoint, m *ServiceMetrics, _ *breaker.Breaker) {
		if n < 0 {
			n = 0
		}
		m.CurrentConnections = n
	})
}

// Snapshot returns a copy of every entry, keyed order sorted by id.
func (r *Registry) Snapshot() []Entry {
	ids := r.List()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.Get(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// GroupSnapshot returns group membership as plain maps for persistence.
func (r *Registry) GroupSnapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.groups))
	for g, members := range r.groups {
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[g] = ids
	}
	return out
}

// Restore rehydrates the registry from persisted entries, replacing any
// current content. Used once at startup.
func (r *Registry) Restore(entries []Entry, groups map[string][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*serviceEntry, len(entries))
	for _, e := range entries {
		b := e.Breaker
		m := e.Metrics.clone()
		// Persisted streaks are stale after a restart; every status
		// transition must be re-earned from fresh probe results.
		m.ConsecutiveSuccesses = 0
		m.ConsecutiveFailures = 0
		r.entries[e.Endpoint.ID] = &serviceEntry{
			endpoint: e.Endpoint.clone(),
			metrics:  m,
			breaker:  &b,
		}
	}

	r.groups = make(map[string]map[string]struct{}, len(groups))
	for g, ids := range groups {
		members := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, ok := r.entries[id]; ok {
				members[id] = struct{}{}
			}
		}
		if len(members) > 0 {
			r.groups[g] = members
		}
	}

	r.logger.Info("registry restored", zap.Int("services", len(r.entries)))
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
