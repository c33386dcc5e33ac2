// Package snapshot persists registry and breaker state so the subsystem can
// resume after a restart without re-discovering topology.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/tourbase/resilience/internal/failover"
	"github.com/tourbase/resilience/internal/registry"
)

// ErrNoSnapshot is returned by Load when nothing has been persisted yet.
var ErrNoSnapshot = errors.New("snapshot: none available")

// Snapshot is the full persisted state: one record per service, the active
// redirections and the failover audit history.
type Snapshot struct {
	TakenAt      time.Time           `json:"taken_at"`
	Services     []registry.Entry    `json:"services"`
	Groups       map[string][]string `json:"groups,omitempty"`
	Redirections map[string]string   `json:"redirections,omitempty"`
	Events       []failover.Event    `json:"events,omitempty"`
}

// Store persists and restores snapshots.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
}

// Capture builds a snapshot from the live registry and orchestrator.
func Capture(reg *registry.Registry, orch *failover.Orchestrator) Snapshot {
	return Snapshot{
		TakenAt:      time.Now(),
		Services:     reg.Snapshot(),
		Groups:       reg.GroupSnapshot(),
		Redirections: orch.Redirections(),
		Events:       orch.History().All(),
	}
}

// Restore rehydrates the registry, redirections and history from a snapshot.
// Probe streaks are reset so restored statuses are re-earned before any
// transition fires.
func Restore(s Snapshot, reg *registry.Registry, orch *failover.Orchestrator) {
	reg.Restore(s.Services, s.Groups)
	orch.RestoreRedirections(s.Redirections)
	orch.History().Restore(s.Events)
}
