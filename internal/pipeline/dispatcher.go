package pipeline

import (
	"log"
	"sync"
)

// ResultSink receives the projected detections of one emission. Intended
// for lightweight consumers such as overlay renderers.
type ResultSink func(detections []DetectionRecord)

// MetricsSink receives per-emission performance metrics.
type MetricsSink func(metrics Metrics)

// StreamSink receives the full projected stream record. Registering one
// suppresses the simple-result and metrics sinks entirely.
type StreamSink func(record *StreamRecord)

// Dispatcher fans a completed (and possibly projected) result out to the
// registered sinks. When a comprehensive streaming sink is registered,
// only it receives data, with timestamp and a strictly monotonically
// increasing frame number attached; otherwise the simple-result and
// metrics sinks fire independently. A panic inside one sink never
// prevents the frame loop from completing or other sinks from firing.
type Dispatcher struct {
	mu        sync.RWMutex
	onResult  ResultSink
	onMetrics MetricsSink
	onStream  StreamSink

	// frameNumber counts emitted stream records, not captured frames.
	// Written only from the frame-processing goroutine.
	frameNumber int64
}

// NewDispatcher creates a dispatcher with no sinks registered.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// SetOnResult registers or clears (nil) the simple-result sink.
func (d *Dispatcher) SetOnResult(sink ResultSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResult = sink
}

// SetOnMetrics registers or clears (nil) the performance-metrics sink.
func (d *Dispatcher) SetOnMetrics(sink MetricsSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMetrics = sink
}

// SetOnStream registers or clears (nil) the comprehensive streaming sink.
func (d *Dispatcher) SetOnStream(sink StreamSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStream = sink
}

// Clear removes all registered sinks. In-flight results whose sinks have
// been cleared are discarded.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResult = nil
	d.onMetrics = nil
	d.onStream = nil
}

// HasSinks reports whether any sink is registered.
func (d *Dispatcher) HasSinks() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.onResult != nil || d.onMetrics != nil || d.onStream != nil
}

// Dispatch delivers one accepted emission. The stream sink, when present,
// gets the full projection and suppresses the other sinks; this avoids
// duplicate payload construction and cross-sink inconsistency.
func (d *Dispatcher) Dispatch(res *DetectionResult, cfg StreamConfig) {
	d.mu.RLock()
	onResult := d.onResult
	onMetrics := d.onMetrics
	onStream := d.onStream
	d.mu.RUnlock()

	if onStream != nil {
		record := ProjectResult(res, cfg)
		d.frameNumber++
		record.FrameNumber = d.frameNumber
		record.Timestamp = res.Timestamp.UnixMilli()
		invokeSink("stream", func() { onStream(record) })
		return
	}

	if onResult != nil {
		detections := projectDetections(res, cfg)
		invokeSink("result", func() { onResult(detections) })
	}

	if onMetrics != nil {
		metrics := Metrics{
			ProcessingTimeMs: res.ProcessingMs,
			FPS:              res.FPS,
			FrameSeq:         res.FrameSeq,
		}
		invokeSink("metrics", func() { onMetrics(metrics) })
	}
}

// invokeSink runs a sink callback, catching and logging any panic at the
// dispatch boundary.
func invokeSink(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Dispatcher] %s sink panicked: %v", name, r)
		}
	}()
	fn()
}
