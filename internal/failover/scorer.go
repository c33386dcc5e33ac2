package failover

import (
	"sort"

	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/registry"
)

// Candidate is one scored failover target.
type Candidate struct {
	ID    string
	Score float64
	Level Level

	priority int
}

// discoverCandidates walks the three candidate tiers for a failed service:
// explicitly configured backups, then group members whose capabilities cover
// the failed service's, then any cross-region service with covering
// capabilities. The first non-empty tier wins; later tiers are never mixed in.
func discoverCandidates(reg *registry.Registry, source registry.Entry) []registry.Entry {
	sourceID := source.Endpoint.ID

	usable := func(id string) (registry.Entry, bool) {
		if id == sourceID {
			return registry.Entry{}, false
		}
		e, ok := reg.Get(id)
		if !ok || !e.Metrics.Status.Usable() {
			return registry.Entry{}, false
		}
		return e, true
	}

	// Tier 1: explicit backups.
	var tier []registry.Entry
	for _, id := range source.Endpoint.BackupEndpointIDs {
		if e, ok := usable(id); ok {
			tier = append(tier, e)
		}
	}
	if len(tier) > 0 {
		return tier
	}

	// Tier 2: group siblings with a capability superset.
	seen := map[string]struct{}{sourceID: {}}
	for _, group := range reg.GroupsOf(sourceID) {
		for _, id := range reg.ListByGroup(group) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			e, ok := usable(id)
			if !ok || !e.Endpoint.HasCapabilities(source.Endpoint.Capabilities) {
				continue
			}
			tier = append(tier, e)
		}
	}
	if len(tier) > 0 {
		return tier
	}

	// Tier 3: anything in another region with a capability superset.
	for _, id := range reg.List() {
		if _, dup := seen[id]; dup {
			continue
		}
		e, ok := usable(id)
		if !ok || e.Endpoint.Region == source.Endpoint.Region {
			continue
		}
		if !e.Endpoint.HasCapabilities(source.Endpoint.Capabilities) {
			continue
		}
		tier = append(tier, e)
	}
	return tier
}

// scoreCandidates ranks candidates deterministically: score descending, then
// configured priority descending, then id ascending.
func scoreCandidates(source registry.Entry, candidates []registry.Entry, w config.ScoringWeights) []Candidate {
	scored := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, Candidate{
			ID:       c.Endpoint.ID,
			Score:    scoreOne(source, c, w),
			Level:    levelFor(source, c),
			priority: c.Endpoint.Priority,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].priority != scored[j].priority {
			return scored[i].priority > scored[j].priority
		}
		return scored[i].ID < scored[j].ID
	})
	return scored
}

func scoreOne(source, c registry.Entry, w config.ScoringWeights) float64 {
	score := float64(c.Endpoint.Priority) * w.Priority

	switch c.Metrics.Status {
	case registry.StatusHealthy:
		score += w.HealthyBonus
	case registry.StatusDegraded:
		score += w.DegradedBonus
	}

	score += c.Metrics.UptimePercentage * w.Uptime

	// Inverse latency: a fast backend earns up to LatencyCap points.
	if ms := c.Metrics.AvgResponseTime.Milliseconds(); ms > 0 {
		contribution := 1000.0 / float64(ms)
		if contribution > w.LatencyCap {
			contribution = w.LatencyCap
		}
		score += contribution
	} else {
		score += w.LatencyCap
	}

	if c.Endpoint.Region != "" && c.Endpoint.Region == source.Endpoint.Region {
		score += w.SameRegionBonus
	}

	if c.Endpoint.MaxConnections > 0 {
		spare := 1.0 - float64(c.Metrics.CurrentConnections)/float64(c.Endpoint.MaxConnections)
		if spare < 0 {
			spare = 0
		}
		score += spare * w.SpareCapacity
	}

	return score
}

func levelFor(source, c registry.Entry) Level {
	if c.Endpoint.Region != source.Endpoint.Region {
		return LevelRegion
	}
	for _, id := range source.Endpoint.BackupEndpointIDs {
		if id == c.Endpoint.ID {
			return LevelService
		}
	}
	return LevelInstance
}
