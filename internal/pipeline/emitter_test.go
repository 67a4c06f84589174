package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitterMaxFPS(t *testing.T) {
	clock := newFakeClock()
	state := NewThrottleState(clock.Now())
	emitter := NewResultEmitter(StreamConfig{MaxFPS: 5}, state) // 200ms gap

	// Results arriving every 100ms: every other one passes.
	var emitted []int
	for i := 1; i <= 6; i++ {
		clock.Advance(100 * time.Millisecond)
		if emitter.ShouldEmit(clock.Now()) {
			emitter.MarkEmitted(clock.Now())
			emitted = append(emitted, i)
		}
	}

	assert.Equal(t, []int{2, 4, 6}, emitted)
}

func TestEmitterBothCapsMustPass(t *testing.T) {
	clock := newFakeClock()
	state := NewThrottleState(clock.Now())

	// MaxFPS alone would allow a 100ms gap; the throttle interval is the
	// tighter cap here and wins.
	emitter := NewResultEmitter(StreamConfig{MaxFPS: 10, ThrottleIntervalMs: 300}, state)

	clock.Advance(150 * time.Millisecond)
	assert.False(t, emitter.ShouldEmit(clock.Now()))

	clock.Advance(150 * time.Millisecond)
	assert.True(t, emitter.ShouldEmit(clock.Now()))

	emitter.MarkEmitted(clock.Now())

	// And the other way round: a throttle interval shorter than the FPS
	// gap does not let results through early.
	emitter = NewResultEmitter(StreamConfig{MaxFPS: 2, ThrottleIntervalMs: 100}, state)
	clock.Advance(200 * time.Millisecond)
	assert.False(t, emitter.ShouldEmit(clock.Now()))
	clock.Advance(300 * time.Millisecond)
	assert.True(t, emitter.ShouldEmit(clock.Now()))
}

func TestEmitterUnconfiguredAlwaysEmits(t *testing.T) {
	clock := newFakeClock()
	state := NewThrottleState(clock.Now())
	emitter := NewResultEmitter(StreamConfig{}, state)

	for i := 0; i < 3; i++ {
		assert.True(t, emitter.ShouldEmit(clock.Now()))
		emitter.MarkEmitted(clock.Now())
	}
}

func TestEmitterSharesTimelineWithGate(t *testing.T) {
	clock := newFakeClock()
	state := NewThrottleState(clock.Now())
	gate := NewInferenceGate(StreamConfig{InferenceFrequency: 10}, state) // 100ms
	emitter := NewResultEmitter(StreamConfig{MaxFPS: 10}, state)          // 100ms

	clock.Advance(100 * time.Millisecond)
	assert.True(t, gate.ShouldRun(clock.Now()))
	assert.True(t, emitter.ShouldEmit(clock.Now()))
	emitter.MarkEmitted(clock.Now())

	// The accepted emission pushed the shared timeline forward for the
	// gate as well.
	clock.Advance(50 * time.Millisecond)
	assert.False(t, gate.ShouldRun(clock.Now()))
	assert.False(t, emitter.ShouldEmit(clock.Now()))
}
