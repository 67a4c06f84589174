package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced Clock for deterministic timing tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestThrottleStateSinceAccepted(t *testing.T) {
	clock := newFakeClock()
	state := NewThrottleState(clock.Now())

	assert.Equal(t, time.Duration(0), state.SinceAccepted(clock.Now()))

	clock.Advance(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, state.SinceAccepted(clock.Now()))

	state.Accept(clock.Now())
	assert.Equal(t, time.Duration(0), state.SinceAccepted(clock.Now()))
}

func TestThrottleStateResetClearsSkipCounter(t *testing.T) {
	clock := newFakeClock()
	state := NewThrottleState(clock.Now())

	// Two frames into a skip-2 cycle, then a reset: the count starts over.
	assert.False(t, state.advanceSkip(2))
	assert.False(t, state.advanceSkip(2))

	state.Reset(clock.Now())

	assert.False(t, state.advanceSkip(2))
	assert.False(t, state.advanceSkip(2))
	assert.True(t, state.advanceSkip(2))
}
