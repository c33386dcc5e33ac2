// Package failover discovers backup candidates for failed services and moves
// traffic to the best one in stages.
package failover

import (
	"fmt"
	"sync"
	"time"
)

// Level classifies how far a failover had to reach.
type Level int

const (
	LevelInstance Level = iota
	LevelService
	LevelRegion
	LevelProvider
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelInstance:
		return "instance"
	case LevelService:
		return "service"
	case LevelRegion:
		return "region"
	case LevelProvider:
		return "provider"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	switch string(text) {
	case "instance":
		*l = LevelInstance
	case "service":
		*l = LevelService
	case "region":
		*l = LevelRegion
	case "provider":
		*l = LevelProvider
	case "emergency":
		*l = LevelEmergency
	default:
		return fmt.Errorf("failover: unknown level %q", text)
	}
	return nil
}

// Event is the immutable audit record of one failover attempt.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	SourceID  string        `json:"source_id"`
	TargetID  string        `json:"target_id"`
	Level     Level         `json:"level"`
	Reason    string        `json:"reason"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
}

// History is an append-only, size-capped record of failover events.
type History struct {
	mu     sync.RWMutex
	events []Event
	max    int
}

// NewHistory creates a history keeping at most max events (0 means 1000).
func NewHistory(max int) *History {
	if max <= 0 {
		max = 1000
	}
	return &History{max: max}
}

// Append records one finished event.
func (h *History) Append(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	if len(h.events) > h.max {
		h.events = h.events[len(h.events)-h.max:]
	}
}

// All returns a copy of the recorded events, oldest first.
func (h *History) All() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Event(nil), h.events...)
}

// SuccessRate returns the fraction of successful events in [0,1], or 1 when
// nothing has happened yet.
func (h *History) SuccessRate() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.events) == 0 {
		return 1.0
	}
	ok := 0
	for _, e := range h.events {
		if e.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(h.events))
}

// Restore replaces the history content from a snapshot.
func (h *History) Restore(events []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append([]Event(nil), events...)
	if len(h.events) > h.max {
		h.events = h.events[len(h.events)-h.max:]
	}
}
