package pipeline

import (
	"sync"
	"time"
)

// Clock is the monotonic time source used for inference gating and
// emission throttling. Injectable so tests can control time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall-clock backed Clock used in production.
var SystemClock Clock = systemClock{}

// ThrottleState is the timing state shared by the inference gate and the
// result emitter. Both regulate against "time since last accepted
// emission" on one timeline: lastAccepted advances only when an emission
// is accepted, not on every inference.
type ThrottleState struct {
	mu           sync.Mutex
	lastAccepted time.Time
	skipCount    int
}

// NewThrottleState returns a state seeded at the given instant.
func NewThrottleState(now time.Time) *ThrottleState {
	return &ThrottleState{lastAccepted: now}
}

// Reset reseeds the timeline and clears the skip counter. Called whenever
// the stream configuration is replaced, to avoid an immediate burst or
// starvation artifact.
func (s *ThrottleState) Reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccepted = now
	s.skipCount = 0
}

// Accept records an accepted emission at the given instant.
func (s *ThrottleState) Accept(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccepted = now
}

// SinceAccepted returns the elapsed time since the last accepted emission.
func (s *ThrottleState) SinceAccepted(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastAccepted)
}

// advanceSkip increments the skip counter and reports whether the frame
// passes the counter policy with the given target, resetting on pass.
func (s *ThrottleState) advanceSkip(target int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.skipCount++
	if s.skipCount <= target {
		return false
	}
	s.skipCount = 0
	return true
}
