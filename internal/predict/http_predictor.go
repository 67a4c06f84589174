package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"visor/internal/pipeline"
)

// HTTPPredictor runs inference against a remote YOLO-family service over
// HTTP multipart. It is the single canonical Predictor implementation;
// task-specific payloads (masks, keypoints, oriented boxes, top-K probs)
// are decoded when the service produces them and omitted otherwise.
type HTTPPredictor struct {
	endpoint    string
	client      *http.Client
	enabled     bool
	healthCheck time.Time
	mu          sync.RWMutex
}

// wireDetection mirrors the service's per-detection JSON shape.
type wireDetection struct {
	Class      string      `json:"class"`
	ClassID    int         `json:"class_id"`
	Confidence float32     `json:"confidence"`
	BBox       []float32   `json:"bbox"`                // [x1, y1, x2, y2] pixels
	Mask       [][]float32 `json:"mask,omitempty"`      // Confidence grid
	Keypoints  []float32   `json:"keypoints,omitempty"` // Flattened [x,y,conf]*
	OBB        *wireOBB    `json:"obb,omitempty"`
}

type wireOBB struct {
	CX    float32 `json:"cx"`
	CY    float32 `json:"cy"`
	W     float32 `json:"w"`
	H     float32 `json:"h"`
	Angle float32 `json:"angle"` // Radians
}

type wireClassProb struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	Confidence float32 `json:"confidence"`
}

type wireResult struct {
	Detections      []wireDetection `json:"detections"`
	Probs           []wireClassProb `json:"probs,omitempty"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

type wireHealth struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewHTTPPredictor creates a predictor client for the given service
// endpoint.
func NewHTTPPredictor(endpoint string) *HTTPPredictor {
	return &HTTPPredictor{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 15 * time.Second, // Longer timeout for GPU inference
		},
		enabled: true,
	}
}

// IsHealthy checks service availability. Positive results are cached for
// 30 seconds to keep the per-frame path cheap.
func (p *HTTPPredictor) IsHealthy() bool {
	p.mu.RLock()
	if !p.enabled {
		p.mu.RUnlock()
		return false
	}
	if time.Since(p.healthCheck) < 30*time.Second {
		p.mu.RUnlock()
		return true
	}
	p.mu.RUnlock()

	resp, err := p.client.Get(p.endpoint + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var health wireHealth
		if err := json.NewDecoder(resp.Body).Decode(&health); err == nil && health.ModelLoaded {
			p.mu.Lock()
			p.healthCheck = time.Now()
			p.mu.Unlock()
			return true
		}
	}
	return false
}

// Predict implements pipeline.Predictor.
func (p *HTTPPredictor) Predict(ctx context.Context, frame *pipeline.Frame, thresholds pipeline.Thresholds) (*pipeline.DetectionResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	fw.Write(frame.Data)

	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", thresholds.Confidence))
	w.WriteField("iou_threshold", fmt.Sprintf("%.3f", thresholds.IoU))
	w.WriteField("max_items", fmt.Sprintf("%d", thresholds.NumItems))
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("detection failed: %s", string(body))
	}

	var result wireResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}

	return p.convertResult(&result, frame), nil
}

// convertResult maps the wire shape onto the internal result, keeping
// masks and keypoints index-aligned with their detections.
func (p *HTTPPredictor) convertResult(wire *wireResult, frame *pipeline.Frame) *pipeline.DetectionResult {
	width := wire.Width
	height := wire.Height
	if width == 0 {
		width = frame.Width
	}
	if height == 0 {
		height = frame.Height
	}

	result := &pipeline.DetectionResult{
		Width:        width,
		Height:       height,
		ProcessingMs: wire.InferenceTimeMs,
	}

	var hasMasks, hasKeypoints, hasOBB bool
	for _, d := range wire.Detections {
		if d.Mask != nil {
			hasMasks = true
		}
		if d.Keypoints != nil {
			hasKeypoints = true
		}
		if d.OBB != nil {
			hasOBB = true
		}
	}

	for _, d := range wire.Detections {
		det := pipeline.Detection{
			ClassIndex: d.ClassID,
			ClassName:  d.Class,
			Confidence: d.Confidence,
		}
		if len(d.BBox) == 4 {
			det.Box = pipeline.Box{Left: d.BBox[0], Top: d.BBox[1], Right: d.BBox[2], Bottom: d.BBox[3]}
			if width > 0 && height > 0 {
				det.NormalizedBox = pipeline.Box{
					Left:   d.BBox[0] / float32(width),
					Top:    d.BBox[1] / float32(height),
					Right:  d.BBox[2] / float32(width),
					Bottom: d.BBox[3] / float32(height),
				}
			}
		}
		result.Detections = append(result.Detections, det)

		if hasMasks {
			result.Masks = append(result.Masks, pipeline.Mask(d.Mask))
		}
		if hasKeypoints {
			result.Keypoints = append(result.Keypoints, unflattenKeypoints(d.Keypoints))
		}
		if hasOBB && d.OBB != nil {
			result.OrientedBoxes = append(result.OrientedBoxes, pipeline.OrientedBox{
				CenterX:    d.OBB.CX,
				CenterY:    d.OBB.CY,
				Width:      d.OBB.W,
				Height:     d.OBB.H,
				Angle:      d.OBB.Angle,
				Confidence: d.Confidence,
				ClassIndex: d.ClassID,
				ClassName:  d.Class,
			})
		}
	}

	for _, prob := range wire.Probs {
		result.Probs = append(result.Probs, pipeline.ClassProb{
			Index:      prob.Index,
			Name:       prob.Name,
			Confidence: prob.Confidence,
		})
	}

	return result
}

// unflattenKeypoints converts a flattened [x,y,conf]* sequence into
// keypoints. A trailing pair without confidence defaults it to 0.
func unflattenKeypoints(flat []float32) []pipeline.Keypoint {
	kps := make([]pipeline.Keypoint, 0, len(flat)/3)
	for i := 0; i+1 < len(flat); i += 3 {
		kp := pipeline.Keypoint{X: flat[i], Y: flat[i+1]}
		if i+2 < len(flat) {
			kp.Confidence = flat[i+2]
		}
		kps = append(kps, kp)
	}
	return kps
}

// Configure forwards threshold defaults to the service so they apply even
// to requests that omit the fields.
func (p *HTTPPredictor) Configure(thresholds pipeline.Thresholds) error {
	body, err := json.Marshal(thresholds)
	if err != nil {
		return err
	}

	resp, err := p.client.Post(p.endpoint+"/configure", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("configure failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("configure returned status %d", resp.StatusCode)
	}
	return nil
}

// SetEnabled enables or disables the predictor.
func (p *HTTPPredictor) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
	p.healthCheck = time.Time{}
}

// Close implements pipeline.Predictor.
func (p *HTTPPredictor) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Ensure HTTPPredictor implements pipeline.Predictor
var _ pipeline.Predictor = (*HTTPPredictor)(nil)
