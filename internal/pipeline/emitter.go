package pipeline

import (
	"time"
)

// ResultEmitter decides, per completed inference, whether the result is
// forwarded to consumers now. MaxFPS and the throttle interval are
// independent caps; both must pass. The caps are evaluated against the
// same timeline the inference gate reads, which advances only when an
// emission is accepted.
type ResultEmitter struct {
	fpsInterval      time.Duration // Zero when MaxFPS is unset
	throttleInterval time.Duration // Zero when ThrottleIntervalMs is unset
	state            *ThrottleState
}

// NewResultEmitter builds an emitter for one configuration snapshot.
func NewResultEmitter(cfg StreamConfig, state *ThrottleState) *ResultEmitter {
	e := &ResultEmitter{state: state}
	if cfg.MaxFPS > 0 {
		e.fpsInterval = time.Second / time.Duration(cfg.MaxFPS)
	}
	if cfg.ThrottleIntervalMs > 0 {
		e.throttleInterval = time.Duration(cfg.ThrottleIntervalMs) * time.Millisecond
	}
	return e
}

// ShouldEmit reports whether a completed inference result may be emitted
// at the given instant.
func (e *ResultEmitter) ShouldEmit(now time.Time) bool {
	since := e.state.SinceAccepted(now)
	if e.fpsInterval > 0 && since < e.fpsInterval {
		return false
	}
	if e.throttleInterval > 0 && since < e.throttleInterval {
		return false
	}
	return true
}

// MarkEmitted advances the shared timeline. Must be called exactly once
// per accepted emission.
func (e *ResultEmitter) MarkEmitted(now time.Time) {
	e.state.Accept(now)
}
