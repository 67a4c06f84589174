package pipeline

import (
	"time"
)

// InferenceGate decides, per delivered frame, whether inference should run
// now. Two mutually exclusive policies: a deterministic frame-skip counter
// (checked first, independent of wall-clock time) or a minimum
// inter-inference interval derived from InferenceFrequency. With neither
// configured, every frame passes.
type InferenceGate struct {
	skipFrames int
	interval   time.Duration // Zero when no frequency policy is set
	state      *ThrottleState
}

// NewInferenceGate builds a gate for one configuration snapshot. The gate
// is replaced wholesale when the configuration changes.
func NewInferenceGate(cfg StreamConfig, state *ThrottleState) *InferenceGate {
	g := &InferenceGate{
		skipFrames: cfg.SkipFrames,
		state:      state,
	}
	if cfg.SkipFrames <= 0 && cfg.InferenceFrequency > 0 {
		g.interval = time.Second / time.Duration(cfg.InferenceFrequency)
	}
	return g
}

// ShouldRun reports whether inference should run for the frame delivered
// at the given instant. Called once per delivered frame, before the
// predictor is invoked.
func (g *InferenceGate) ShouldRun(now time.Time) bool {
	if g.skipFrames > 0 {
		return g.state.advanceSkip(g.skipFrames)
	}
	if g.interval > 0 {
		return g.state.SinceAccepted(now) >= g.interval
	}
	return true
}
