package pipeline

import (
	"math"
	"sync"
	"time"
)

// Frame represents one captured camera image delivered to the pipeline.
// The source owns the underlying buffer for the duration of one processing
// cycle; Release must be called exactly once per cycle, on every exit path.
type Frame struct {
	CameraID  string
	Data      []byte    // JPEG frame data
	Width     int       // Frame width in pixels
	Height    int       // Frame height in pixels
	Seq       uint64    // Capture sequence number
	Timestamp time.Time // Monotonic capture timestamp

	releaseOnce sync.Once
	release     func()
}

// NewFrame creates a frame with an optional release hook. The hook is
// invoked at most once, no matter how many times Release is called.
func NewFrame(cameraID string, data []byte, width, height int, seq uint64, ts time.Time, release func()) *Frame {
	return &Frame{
		CameraID:  cameraID,
		Data:      data,
		Width:     width,
		Height:    height,
		Seq:       seq,
		Timestamp: ts,
		release:   release,
	}
}

// Release returns the frame buffer to its owner. Safe to call multiple
// times; only the first call has an effect.
func (f *Frame) Release() {
	if f.release == nil {
		return
	}
	f.releaseOnce.Do(f.release)
}

// Box is an axis-aligned bounding box.
type Box struct {
	Left   float32 `json:"left"`
	Top    float32 `json:"top"`
	Right  float32 `json:"right"`
	Bottom float32 `json:"bottom"`
}

// Detection represents a single detected object.
type Detection struct {
	ClassIndex    int     `json:"class_index"`
	ClassName     string  `json:"class_name"`
	Confidence    float32 `json:"confidence"`
	Box           Box     `json:"box"`            // Pixel coordinates
	NormalizedBox Box     `json:"normalized_box"` // [0,1] coordinates
}

// Mask is a 2D confidence/occupancy grid for one detection.
type Mask [][]float32

// Keypoint is a single pose keypoint.
type Keypoint struct {
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Confidence float32 `json:"confidence"`
}

// OrientedBox is a rotated bounding box produced by OBB models.
type OrientedBox struct {
	CenterX    float32 `json:"center_x"`
	CenterY    float32 `json:"center_y"`
	Width      float32 `json:"width"`
	Height     float32 `json:"height"`
	Angle      float32 `json:"angle"` // Rotation in radians
	Confidence float32 `json:"confidence"`
	ClassIndex int     `json:"class_index"`
	ClassName  string  `json:"class_name"`
}

// Degrees returns the rotation angle in degrees.
func (o OrientedBox) Degrees() float32 {
	return o.Angle * 180 / math.Pi
}

// Area returns the box area in square pixels.
func (o OrientedBox) Area() float32 {
	return o.Width * o.Height
}

// Polygon returns the four corner points of the rotated box,
// ordered clockwise starting from the top-left corner.
func (o OrientedBox) Polygon() [4][2]float32 {
	cos := float32(math.Cos(float64(o.Angle)))
	sin := float32(math.Sin(float64(o.Angle)))
	hw := o.Width / 2
	hh := o.Height / 2

	corners := [4][2]float32{
		{-hw, -hh},
		{hw, -hh},
		{hw, hh},
		{-hw, hh},
	}

	var out [4][2]float32
	for i, c := range corners {
		out[i][0] = o.CenterX + c[0]*cos - c[1]*sin
		out[i][1] = o.CenterY + c[0]*sin + c[1]*cos
	}
	return out
}

// ClassProb is one entry of a top-K classification result.
type ClassProb struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	Confidence float32 `json:"confidence"`
}

// DetectionResult is the full output of one inference call. It is
// constructed once per completed inference and immutable thereafter;
// Masks and Keypoints are index-aligned with Detections.
type DetectionResult struct {
	CameraID      string        `json:"camera_id"`
	FrameSeq      uint64        `json:"frame_seq"`
	Timestamp     time.Time     `json:"timestamp"`
	Width         int           `json:"width"`  // Original image width
	Height        int           `json:"height"` // Original image height
	Detections    []Detection   `json:"detections"`
	Masks         []Mask        `json:"-"` // One per detection, may be nil
	Keypoints     [][]Keypoint  `json:"-"` // One list per detection, may be nil
	OrientedBoxes []OrientedBox `json:"-"` // One per detection for OBB tasks
	Probs         []ClassProb   `json:"-"` // Top-K classification, may be nil
	ProcessingMs  float64       `json:"processing_ms"`
	FPS           float64       `json:"fps"` // Instantaneous, derived from ProcessingMs
	Image         []byte        `json:"-"`   // Source frame JPEG, optional
}

// Metrics is the payload delivered to a performance-metrics sink.
type Metrics struct {
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	FPS              float64 `json:"fps"`
	FrameSeq         uint64  `json:"frame_seq"`
}

// OBBRecord is the projected form of an oriented box.
type OBBRecord struct {
	CenterX    float32      `json:"center_x"`
	CenterY    float32      `json:"center_y"`
	Width      float32      `json:"width"`
	Height     float32      `json:"height"`
	AngleRad   float32      `json:"angle_rad"`
	AngleDeg   float32      `json:"angle_deg"`
	Area       float32      `json:"area"`
	Polygon    [][2]float32 `json:"polygon"`
	Confidence float32      `json:"confidence"`
	ClassIndex int          `json:"class_index"`
	ClassName  string       `json:"class_name"`
}

// DetectionRecord is the projected form of one detection.
type DetectionRecord struct {
	ClassIndex    int         `json:"class_index"`
	ClassName     string      `json:"class_name"`
	Confidence    float32     `json:"confidence"`
	BoundingBox   Box         `json:"bounding_box"`
	NormalizedBox Box         `json:"normalized_box"`
	Mask          [][]float32 `json:"mask,omitempty"`
	Keypoints     []float32   `json:"keypoints,omitempty"` // Flattened [x,y,conf]*
	OBB           *OBBRecord  `json:"obb,omitempty"`
}

// StreamRecord is the reduced, feature-flagged result record delivered to
// the comprehensive streaming sink. Timestamp and FrameNumber are stamped
// by the dispatcher at emission time.
type StreamRecord struct {
	CameraID        string            `json:"camera_id"`
	Detections      []DetectionRecord `json:"detections,omitempty"`
	Classifications []ClassProb       `json:"classifications,omitempty"`
	ProcessingMs    *float64          `json:"processing_time_ms,omitempty"`
	FPS             *float64          `json:"fps,omitempty"`
	OriginalImage   []byte            `json:"original_image,omitempty"`
	Timestamp       int64             `json:"timestamp"` // Unix milliseconds
	FrameNumber     int64             `json:"frame_number"`
}
