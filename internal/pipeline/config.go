package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStreamConfig is returned when a stream configuration
	// fails validation at the setter boundary.
	ErrInvalidStreamConfig = errors.New("invalid stream config")

	// ErrInvalidThreshold is returned when a threshold update fails
	// validation. The last-known-good thresholds remain in effect.
	ErrInvalidThreshold = errors.New("invalid threshold")
)

// StreamConfig selects which DetectionResult fields are projected into
// stream records and carries the gating/throttling parameters. It is an
// immutable snapshot: replaced wholesale on reconfiguration, which resets
// the derived timing state.
type StreamConfig struct {
	IncludeDetections       bool `json:"include_detections"`
	IncludeClassifications  bool `json:"include_classifications"`
	IncludeMasks            bool `json:"include_masks"`
	IncludePoses            bool `json:"include_poses"`
	IncludeOBB              bool `json:"include_obb"`
	IncludeProcessingTimeMs bool `json:"include_processing_time_ms"`
	IncludeFPS              bool `json:"include_fps"`
	IncludeOriginalImage    bool `json:"include_original_image"` // Expensive, default off

	// MaxFPS and ThrottleIntervalMs are independent emission-rate caps;
	// both must pass for a result to be emitted. Zero means unset.
	MaxFPS             int `json:"max_fps,omitempty"`
	ThrottleIntervalMs int `json:"throttle_interval_ms,omitempty"`

	// SkipFrames, when > 0, gates inference by frame count and takes
	// precedence over InferenceFrequency. Zero means unset.
	SkipFrames         int `json:"skip_frames,omitempty"`
	InferenceFrequency int `json:"inference_frequency,omitempty"` // Inferences per second

	// MaxImageEdge bounds the longest edge of the encoded original image.
	// Zero disables downscaling.
	MaxImageEdge int `json:"max_image_edge,omitempty"`
}

// DefaultStreamConfig returns the configuration used before the embedding
// application sets one: detections plus timing, no image payload.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		IncludeDetections:       true,
		IncludeProcessingTimeMs: true,
		IncludeFPS:              true,
	}
}

// Validate checks the throttling parameters. Include flags are free-form.
func (c StreamConfig) Validate() error {
	if c.MaxFPS < 0 {
		return fmt.Errorf("%w: max_fps must be positive, got %d", ErrInvalidStreamConfig, c.MaxFPS)
	}
	if c.ThrottleIntervalMs < 0 {
		return fmt.Errorf("%w: throttle_interval_ms must be positive, got %d", ErrInvalidStreamConfig, c.ThrottleIntervalMs)
	}
	if c.SkipFrames < 0 {
		return fmt.Errorf("%w: skip_frames must be non-negative, got %d", ErrInvalidStreamConfig, c.SkipFrames)
	}
	if c.InferenceFrequency < 0 {
		return fmt.Errorf("%w: inference_frequency must be positive, got %d", ErrInvalidStreamConfig, c.InferenceFrequency)
	}
	if c.MaxImageEdge < 0 {
		return fmt.Errorf("%w: max_image_edge must be non-negative, got %d", ErrInvalidStreamConfig, c.MaxImageEdge)
	}
	return nil
}

// Thresholds are the inference parameters forwarded to the predictor.
type Thresholds struct {
	Confidence float32 `json:"confidence"`
	IoU        float32 `json:"iou"`
	NumItems   int     `json:"num_items"` // Maximum detections per frame
}

// DefaultThresholds returns the thresholds in effect until the embedding
// application overrides them.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Confidence: 0.25,
		IoU:        0.45,
		NumItems:   30,
	}
}

// Validate rejects out-of-range threshold values.
func (t Thresholds) Validate() error {
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be in [0,1], got %f", ErrInvalidThreshold, t.Confidence)
	}
	if t.IoU < 0 || t.IoU > 1 {
		return fmt.Errorf("%w: iou must be in [0,1], got %f", ErrInvalidThreshold, t.IoU)
	}
	if t.NumItems <= 0 {
		return fmt.Errorf("%w: num_items must be positive, got %d", ErrInvalidThreshold, t.NumItems)
	}
	return nil
}
