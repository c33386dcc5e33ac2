package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0, 0)

	assert.Equal(t, StateClosed, b.State)
	assert.Equal(t, DefaultFailureThreshold, b.FailureThreshold)
	assert.Equal(t, DefaultTimeout, b.Timeout)
	assert.Equal(t, DefaultRequiredSuccesses, b.RequiredSuccesses)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(5, time.Minute, 3)
	now := time.Now()

	for i := 0; i < 4; i++ {
		tr := b.RecordFailure(now)
		assert.Equal(t, TransitionNone, tr)
		assert.Equal(t, StateClosed, b.State)
	}

	tr := b.RecordFailure(now)
	assert.Equal(t, TransitionOpened, tr)
	assert.Equal(t, StateOpen, b.State)
	assert.Equal(t, 5, b.FailureCount)
}

func TestBreaker_FailureCountBoundedWhileClosed(t *testing.T) {
	b := New(5, time.Minute, 3)
	now := time.Now()

	// Interleave failures and successes; count must stay in [0, threshold].
	for i := 0; i < 20; i++ {
		if i%3 == 0 {
			b.RecordSuccess(now)
		} else {
			b.RecordFailure(now)
		}
		if b.State != StateClosed {
			break
		}
		assert.GreaterOrEqual(t, b.FailureCount, 0)
		assert.LessOrEqual(t, b.FailureCount, b.FailureThreshold)
	}
}

func TestBreaker_SuccessDecrementsTowardZero(t *testing.T) {
	b := New(5, time.Minute, 3)
	now := time.Now()

	b.RecordFailure(now)
	b.RecordFailure(now)
	assert.Equal(t, 2, b.FailureCount)

	b.RecordSuccess(now)
	assert.Equal(t, 1, b.FailureCount)

	b.RecordSuccess(now)
	b.RecordSuccess(now)
	assert.Equal(t, 0, b.FailureCount) // never below zero
}

func TestBreaker_OpenSuppressesProbesUntilTimeout(t *testing.T) {
	b := New(2, 30*time.Second, 3)
	start := time.Now()

	b.RecordFailure(start)
	b.RecordFailure(start)
	require.Equal(t, StateOpen, b.State)

	allowed, tr := b.AllowProbe(start.Add(10 * time.Second))
	assert.False(t, allowed)
	assert.Equal(t, TransitionNone, tr)

	allowed, tr = b.AllowProbe(start.Add(31 * time.Second))
	assert.True(t, allowed)
	assert.Equal(t, TransitionHalfOpened, tr)
	assert.Equal(t, StateHalfOpen, b.State)
}

func TestBreaker_HalfOpenClosesAfterRequiredSuccesses(t *testing.T) {
	b := New(2, time.Second, 3)
	start := time.Now()

	b.RecordFailure(start)
	b.RecordFailure(start)
	b.AllowProbe(start.Add(2 * time.Second))
	require.Equal(t, StateHalfOpen, b.State)

	assert.Equal(t, TransitionNone, b.RecordSuccess(start))
	assert.Equal(t, TransitionNone, b.RecordSuccess(start))

	tr := b.RecordSuccess(start)
	assert.Equal(t, TransitionClosed, tr)
	assert.Equal(t, StateClosed, b.State)
	assert.Equal(t, 0, b.FailureCount)
	assert.Equal(t, 0, b.SuccessesInHalfOpen)
}

func TestBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	b := New(2, time.Second, 3)
	start := time.Now()

	b.RecordFailure(start)
	b.RecordFailure(start)
	b.AllowProbe(start.Add(2 * time.Second))
	require.Equal(t, StateHalfOpen, b.State)

	b.RecordSuccess(start)
	b.RecordSuccess(start)

	tr := b.RecordFailure(start.Add(3 * time.Second))
	assert.Equal(t, TransitionReopened, tr)
	assert.Equal(t, StateOpen, b.State)
	assert.Equal(t, 0, b.SuccessesInHalfOpen) // no partial credit
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("tripped")))
}
