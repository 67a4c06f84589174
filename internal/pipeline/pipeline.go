package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// PipelineStats contains per-camera pipeline counters.
type PipelineStats struct {
	CameraID        string  `json:"camera_id"`
	FramesDelivered uint64  `json:"frames_delivered"`
	InferencesRun   uint64  `json:"inferences_run"`
	RecordsEmitted  uint64  `json:"records_emitted"`
	PredictErrors   uint64  `json:"predict_errors"`
	AvgInferenceMs  float64 `json:"avg_inference_ms"`
	LastInference   int64   `json:"last_inference"` // Unix timestamp
}

// VideoPipeline runs the per-frame cycle for a single camera:
//
//	Captured → GateChecked → [Inferred] → EmitChecked → [Projected → Dispatched] → Released
//
// Released is reached on every path, including early skips and predictor
// errors: no frame buffer leak. Frames arrive serialized on one capture
// goroutine and inference runs synchronously inside the frame callback;
// the source's latest-wins delivery is the sole backpressure mechanism.
type VideoPipeline struct {
	cameraID   string
	source     FrameSource
	predictor  Predictor
	dispatcher *Dispatcher
	clock      Clock

	// Configuration is swapped wholesale under mu so the frame goroutine
	// never observes a partial update. Gate and emitter are rebuilt on
	// every config replacement; they share one throttle state.
	mu         sync.RWMutex
	cfg        StreamConfig
	thresholds Thresholds
	gate       *InferenceGate
	emitter    *ResultEmitter
	state      *ThrottleState

	// lastResult is the single-writer (frame goroutine) / many-reader
	// snapshot kept for overlay redraw. Replaced, never mutated.
	lastResult atomic.Pointer[DetectionResult]

	stopCh  chan struct{}
	stopped sync.Once
	running atomic.Bool

	stats   PipelineStats
	statsMu sync.RWMutex
}

// NewVideoPipeline creates a pipeline for one camera. A nil clock selects
// the system clock.
func NewVideoPipeline(cameraID string, source FrameSource, predictor Predictor, clock Clock) *VideoPipeline {
	if clock == nil {
		clock = SystemClock
	}

	state := NewThrottleState(clock.Now())
	cfg := DefaultStreamConfig()

	return &VideoPipeline{
		cameraID:   cameraID,
		source:     source,
		predictor:  predictor,
		dispatcher: NewDispatcher(),
		clock:      clock,
		cfg:        cfg,
		thresholds: DefaultThresholds(),
		gate:       NewInferenceGate(cfg, state),
		emitter:    NewResultEmitter(cfg, state),
		state:      state,
		stopCh:     make(chan struct{}),
		stats:      PipelineStats{CameraID: cameraID},
	}
}

// SetStreamConfig replaces the stream configuration. Validation happens
// here at the boundary; on error the last-known-good config stays in
// effect. Replacing the config resets the throttle state.
func (p *VideoPipeline) SetStreamConfig(cfg StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cfg = cfg
	p.state.Reset(p.clock.Now())
	p.gate = NewInferenceGate(cfg, p.state)
	p.emitter = NewResultEmitter(cfg, p.state)

	log.Printf("[Pipeline] Stream config updated for camera %s (skip=%d freq=%d maxFPS=%d throttle=%dms)",
		p.cameraID, cfg.SkipFrames, cfg.InferenceFrequency, cfg.MaxFPS, cfg.ThrottleIntervalMs)
	return nil
}

// StreamConfig returns the current configuration snapshot.
func (p *VideoPipeline) StreamConfig() StreamConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetThresholds replaces the inference thresholds, applied to the next
// inference. Invalid values are rejected with a typed error.
func (p *VideoPipeline) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.thresholds = t
	return nil
}

// Thresholds returns the thresholds currently in effect.
func (p *VideoPipeline) Thresholds() Thresholds {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.thresholds
}

// OnResult registers the simple-result sink.
func (p *VideoPipeline) OnResult(sink ResultSink) { p.dispatcher.SetOnResult(sink) }

// OnMetrics registers the performance-metrics sink.
func (p *VideoPipeline) OnMetrics(sink MetricsSink) { p.dispatcher.SetOnMetrics(sink) }

// OnStream registers the comprehensive streaming sink. While registered,
// it suppresses the simple-result and metrics sinks.
func (p *VideoPipeline) OnStream(sink StreamSink) { p.dispatcher.SetOnStream(sink) }

// ClearSinks removes all sinks. Any in-flight inference completes and its
// result is discarded.
func (p *VideoPipeline) ClearSinks() { p.dispatcher.Clear() }

// LatestResult returns the most recent inference result, or nil. The
// returned value is an immutable snapshot.
func (p *VideoPipeline) LatestResult() *DetectionResult {
	return p.lastResult.Load()
}

// Stats returns a copy of the pipeline counters.
func (p *VideoPipeline) Stats() PipelineStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// Run subscribes to the frame source and processes frames until the
// context is cancelled or Stop is called. Blocks the calling goroutine.
func (p *VideoPipeline) Run(ctx context.Context) error {
	sub, err := p.source.Subscribe(p.cameraID)
	if err != nil {
		return err
	}
	defer p.source.Unsubscribe(sub)

	p.running.Store(true)
	defer p.running.Store(false)

	log.Printf("[Pipeline] Processing loop started for camera %s", p.cameraID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-sub.Done:
			return nil
		case frame := <-sub.Frames:
			if frame == nil {
				continue
			}
			p.ProcessFrame(ctx, frame)
		}
	}
}

// Stop ends the processing loop. Safe to call multiple times. Stopping
// does not cancel an in-flight inference; it completes and its result is
// discarded with the loop gone.
func (p *VideoPipeline) Stop() {
	p.stopped.Do(func() { close(p.stopCh) })
}

// IsRunning reports whether the processing loop is active.
func (p *VideoPipeline) IsRunning() bool {
	return p.running.Load()
}

// ProcessFrame runs one full frame cycle. Exported for embedding
// adapters that deliver frames directly instead of via Run. The frame is
// released unconditionally before returning.
func (p *VideoPipeline) ProcessFrame(ctx context.Context, frame *Frame) {
	defer frame.Release()

	p.mu.RLock()
	gate := p.gate
	emitter := p.emitter
	cfg := p.cfg
	thresholds := p.thresholds
	p.mu.RUnlock()

	p.statsMu.Lock()
	p.stats.FramesDelivered++
	p.statsMu.Unlock()

	if !gate.ShouldRun(p.clock.Now()) {
		return
	}

	start := p.clock.Now()
	result, err := p.predictor.Predict(ctx, frame, thresholds)
	if err != nil {
		// Transient per-frame error: never fatal, never user-visible.
		log.Printf("[Pipeline] Predict error for camera %s frame %d: %v", p.cameraID, frame.Seq, err)
		p.statsMu.Lock()
		p.stats.PredictErrors++
		p.statsMu.Unlock()
		return
	}
	if result == nil {
		return
	}
	elapsed := p.clock.Now().Sub(start)

	p.finishResult(result, frame, elapsed)

	if !p.dispatcher.HasSinks() {
		return
	}

	now := p.clock.Now()
	if !emitter.ShouldEmit(now) {
		return
	}
	emitter.MarkEmitted(now)

	p.dispatcher.Dispatch(result, cfg)

	p.statsMu.Lock()
	p.stats.RecordsEmitted++
	p.statsMu.Unlock()
}

// finishResult fills the frame-derived fields, publishes the redraw
// snapshot and updates counters.
func (p *VideoPipeline) finishResult(result *DetectionResult, frame *Frame, elapsed time.Duration) {
	result.CameraID = p.cameraID
	result.FrameSeq = frame.Seq
	result.Timestamp = frame.Timestamp
	if result.Width == 0 {
		result.Width = frame.Width
	}
	if result.Height == 0 {
		result.Height = frame.Height
	}
	if result.ProcessingMs == 0 {
		result.ProcessingMs = float64(elapsed) / float64(time.Millisecond)
	}
	if result.FPS == 0 && result.ProcessingMs > 0 {
		result.FPS = 1000 / result.ProcessingMs
	}
	if result.Image == nil {
		result.Image = frame.Data
	}

	p.lastResult.Store(result)

	p.statsMu.Lock()
	p.stats.InferencesRun++
	p.stats.LastInference = result.Timestamp.Unix()
	// Running mean over all inferences
	n := float64(p.stats.InferencesRun)
	p.stats.AvgInferenceMs += (result.ProcessingMs - p.stats.AvgInferenceMs) / n
	p.statsMu.Unlock()
}
