// Package breaker implements the per-service circuit breaker state machine.
package breaker

import (
	"fmt"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so snapshots store readable states.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("breaker: unknown state %q", text)
	}
	return nil
}

// Transition describes what a recorded result did to the breaker.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionOpened
	TransitionHalfOpened
	TransitionClosed
	TransitionReopened
)

func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionOpened:
		return "opened"
	case TransitionHalfOpened:
		return "half-opened"
	case TransitionClosed:
		return "closed"
	case TransitionReopened:
		return "reopened"
	default:
		return "unknown"
	}
}

// Defaults applied when a zero value is passed to New.
const (
	DefaultFailureThreshold  = 5
	DefaultTimeout           = 60 * time.Second
	DefaultRequiredSuccesses = 3
)

// Breaker holds circuit state for one service. It carries no lock: the
// registry serializes all mutations of a given service, so two results for
// the same breaker never interleave.
type Breaker struct {
	State               State         `json:"state"`
	FailureCount        int           `json:"failure_count"`
	FailureThreshold    int           `json:"failure_threshold"`
	Timeout             time.Duration `json:"timeout"`
	LastFailureAt       time.Time     `json:"last_failure_at"`
	SuccessesInHalfOpen int           `json:"successes_in_half_open"`
	RequiredSuccesses   int           `json:"required_successes"`
}

// New creates a closed breaker, filling in defaults for zero parameters.
func New(failureThreshold int, timeout time.Duration, requiredSuccesses int) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if requiredSuccesses <= 0 {
		requiredSuccesses = DefaultRequiredSuccesses
	}
	return &Breaker{
		State:             StateClosed,
		FailureThreshold:  failureThreshold,
		Timeout:           timeout,
		RequiredSuccesses: requiredSuccesses,
	}
}

// AllowProbe reports whether a health probe should be issued now. While open
// it also performs the open -> half-open transition once the cooldown since
// the last failure has elapsed.
func (b *Breaker) AllowProbe(now time.Time) (bool, Transition) {
	if b.State != StateOpen {
		return true, TransitionNone
	}
	if now.Sub(b.LastFailureAt) >= b.Timeout {
		b.State = StateHalfOpen
		b.SuccessesInHalfOpen = 0
		return true, TransitionHalfOpened
	}
	return false, TransitionNone
}

// RecordFailure feeds one failed probe into the state machine.
func (b *Breaker) RecordFailure(now time.Time) Transition {
	switch b.State {
	case StateClosed:
		b.FailureCount++
		b.LastFailureAt = now
		if b.FailureCount >= b.FailureThreshold {
			b.FailureCount = b.FailureThreshold
			b.State = StateOpen
			return TransitionOpened
		}
		return TransitionNone
	case StateHalfOpen:
		// No partial credit: a single failure during trial sends us back.
		b.State = StateOpen
		b.SuccessesInHalfOpen = 0
		b.LastFailureAt = now
		return TransitionReopened
	case StateOpen:
		b.LastFailureAt = now
		return TransitionNone
	}
	return TransitionNone
}

// RecordSuccess feeds one successful probe into the state machine.
func (b *Breaker) RecordSuccess(now time.Time) Transition {
	switch b.State {
	case StateClosed:
		if b.FailureCount > 0 {
			b.FailureCount--
		}
		return TransitionNone
	case StateHalfOpen:
		b.SuccessesInHalfOpen++
		if b.SuccessesInHalfOpen >= b.RequiredSuccesses {
			b.State = StateClosed
			b.FailureCount = 0
			b.SuccessesInHalfOpen = 0
			return TransitionClosed
		}
		return TransitionNone
	case StateOpen:
		// Successes are not expected while open; probing is suppressed.
		return TransitionNone
	}
	return TransitionNone
}

// Clone returns a copy safe to hand to readers.
func (b *Breaker) Clone() Breaker {
	return *b
}
