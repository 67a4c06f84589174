package pipeline

import (
	"context"
)

// Predictor is the external ML collaborator: given a frame, it
// synchronously produces a DetectionResult. Errors are transient:
// logged by the frame loop and treated as "no result this frame".
type Predictor interface {
	// Predict runs one inference. Blocks the calling goroutine for the
	// duration of the prediction.
	Predict(ctx context.Context, frame *Frame, thresholds Thresholds) (*DetectionResult, error)

	// IsHealthy reports whether the predictor is operational.
	IsHealthy() bool

	// Close releases predictor resources.
	Close() error
}

// FrameSubscription is an active subscription to a frame source. The
// source sends on Frames and closes Done when the subscription ends.
type FrameSubscription struct {
	CameraID string
	Frames   chan *Frame
	Done     chan struct{}
}

// FrameSource produces camera frames on a dedicated capture goroutine.
// Delivery is latest-wins with a depth-1 buffer per subscriber: a slow
// consumer only ever observes the newest frame, superseded frames are
// released upstream. This is the sole backpressure mechanism; a pipeline
// never has more than one frame in flight.
type FrameSource interface {
	// Subscribe returns a subscription delivering frames for a camera.
	// Callers must Unsubscribe when done.
	Subscribe(cameraID string) (*FrameSubscription, error)

	// Unsubscribe ends a subscription and releases any undelivered frame.
	Unsubscribe(sub *FrameSubscription)
}

// LabelSource provides the ordered class-name list for a model.
type LabelSource interface {
	// LoadLabels returns the class names for the given model path.
	LoadLabels(modelPath string) ([]string, error)
}
