package capture

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"visor/internal/pipeline"
)

// Stats contains frame capture counters for one camera.
type Stats struct {
	CameraID       string `json:"camera_id"`
	FramesCaptured uint64 `json:"frames_captured"`
	FramesDropped  uint64 `json:"frames_dropped"`
	FramesInFlight int64  `json:"frames_in_flight"`
	LastFrameTime  int64  `json:"last_frame_time"` // Unix timestamp
}

// FFmpegSource captures JPEG frames from camera devices (RTSP, HTTP or
// V4L2) via an ffmpeg child process and delivers them to subscribers.
// Delivery is latest-wins with a depth-1 mailbox per subscriber: when a
// consumer is busy, the stale frame is released and replaced rather than
// queued, so a consumer never sees more than one in-flight frame.
type FFmpegSource struct {
	cameras map[string]*cameraCapture
	mu      sync.RWMutex
}

type cameraCapture struct {
	cameraID string
	device   string
	fps      int
	width    int
	height   int

	running atomic.Bool
	stopCh  chan struct{}
	cmd     *exec.Cmd

	subscribers map[*pipeline.FrameSubscription]bool
	subMu       sync.RWMutex

	frameSeq atomic.Uint64
	inFlight atomic.Int64

	stats   Stats
	statsMu sync.RWMutex
}

// NewFFmpegSource creates an empty source; cameras are added with Start.
func NewFFmpegSource() *FFmpegSource {
	return &FFmpegSource{
		cameras: make(map[string]*cameraCapture),
	}
}

// Start begins capturing frames for a camera device.
func (s *FFmpegSource) Start(cameraID, device string, fps, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cameras[cameraID]; exists {
		return fmt.Errorf("camera %s already started", cameraID)
	}

	capture := &cameraCapture{
		cameraID:    cameraID,
		device:      device,
		fps:         fps,
		width:       width,
		height:      height,
		stopCh:      make(chan struct{}),
		subscribers: make(map[*pipeline.FrameSubscription]bool),
		stats:       Stats{CameraID: cameraID},
	}

	s.cameras[cameraID] = capture
	go capture.run()

	log.Printf("[Capture] Started camera %s (device: %s, fps: %d)", cameraID, device, fps)
	return nil
}

// Stop halts frame capture for a camera and closes its subscriptions.
func (s *FFmpegSource) Stop(cameraID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	capture, exists := s.cameras[cameraID]
	if !exists {
		return fmt.Errorf("camera %s not found", cameraID)
	}

	capture.stop()
	delete(s.cameras, cameraID)

	log.Printf("[Capture] Stopped camera %s", cameraID)
	return nil
}

// Subscribe implements pipeline.FrameSource.
func (s *FFmpegSource) Subscribe(cameraID string) (*pipeline.FrameSubscription, error) {
	s.mu.RLock()
	capture, exists := s.cameras[cameraID]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("camera %s not running", cameraID)
	}

	// Depth-1 mailbox: the upstream drop-latest policy lives here.
	sub := &pipeline.FrameSubscription{
		CameraID: cameraID,
		Frames:   make(chan *pipeline.Frame, 1),
		Done:     make(chan struct{}),
	}

	capture.subMu.Lock()
	capture.subscribers[sub] = true
	capture.subMu.Unlock()

	return sub, nil
}

// Unsubscribe implements pipeline.FrameSource. Any undelivered frame left
// in the mailbox is released, whether or not the camera still exists.
func (s *FFmpegSource) Unsubscribe(sub *pipeline.FrameSubscription) {
	if sub == nil {
		return
	}

	s.mu.RLock()
	capture, exists := s.cameras[sub.CameraID]
	s.mu.RUnlock()

	if exists {
		capture.subMu.Lock()
		if _, ok := capture.subscribers[sub]; ok {
			delete(capture.subscribers, sub)
			close(sub.Done)
		}
		capture.subMu.Unlock()
	}

	drainMailbox(sub)
}

// drainMailbox releases a frame parked in a subscription's mailbox.
func drainMailbox(sub *pipeline.FrameSubscription) {
	select {
	case stale := <-sub.Frames:
		if stale != nil {
			stale.Release()
		}
	default:
	}
}

// IsRunning reports whether a camera is actively capturing.
func (s *FFmpegSource) IsRunning(cameraID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capture, exists := s.cameras[cameraID]
	return exists && capture.running.Load()
}

// GetStats returns capture statistics for a camera, or nil if unknown.
func (s *FFmpegSource) GetStats(cameraID string) *Stats {
	s.mu.RLock()
	capture, exists := s.cameras[cameraID]
	s.mu.RUnlock()

	if !exists {
		return nil
	}

	capture.statsMu.RLock()
	stats := capture.stats
	capture.statsMu.RUnlock()
	stats.FramesInFlight = capture.inFlight.Load()
	return &stats
}

// Close stops all cameras.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cameraID, capture := range s.cameras {
		capture.stop()
		delete(s.cameras, cameraID)
	}
	return nil
}

func (c *cameraCapture) run() {
	c.running.Store(true)
	defer c.running.Store(false)

	if c.isHTTPImageEndpoint() {
		c.captureHTTPImages()
		return
	}
	c.captureFFmpeg()
}

func (c *cameraCapture) stop() {
	close(c.stopCh)

	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}

	c.subMu.Lock()
	for sub := range c.subscribers {
		close(sub.Done)
		drainMailbox(sub)
		delete(c.subscribers, sub)
	}
	c.subMu.Unlock()
}

func (c *cameraCapture) isHTTPImageEndpoint() bool {
	return (strings.HasPrefix(c.device, "http://") || strings.HasPrefix(c.device, "https://")) &&
		(strings.Contains(c.device, ".jpg") || strings.Contains(c.device, ".jpeg") || strings.Contains(c.device, "image"))
}

func (c *cameraCapture) captureHTTPImages() {
	client := &http.Client{Timeout: 10 * time.Second}
	interval := time.Second / time.Duration(c.fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			resp, err := client.Get(c.device)
			if err != nil {
				log.Printf("[Capture] Error fetching frame from %s: %v", c.device, err)
				continue
			}

			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				log.Printf("[Capture] Error reading frame: %v", err)
				continue
			}

			c.broadcast(data)
		}
	}
}

func (c *cameraCapture) captureFFmpeg() {
	var args []string

	if strings.HasPrefix(c.device, "rtsp://") {
		args = []string{
			"-rtsp_transport", "tcp",
			"-i", c.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", c.fps),
			"-q:v", "5",
			"-",
		}
	} else if strings.HasPrefix(c.device, "http://") || strings.HasPrefix(c.device, "https://") {
		args = []string{
			"-i", c.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", c.fps),
			"-q:v", "5",
			"-",
		}
	} else {
		// V4L2 device (USB camera)
		args = []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
			"-framerate", fmt.Sprintf("%d", c.fps),
			"-i", c.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}

	c.cmd = exec.Command("ffmpeg", args...)

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		log.Printf("[Capture] Error creating stdout pipe: %v", err)
		return
	}

	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		log.Printf("[Capture] Error creating stderr pipe: %v", err)
		return
	}

	if err := c.cmd.Start(); err != nil {
		log.Printf("[Capture] Error starting ffmpeg: %v", err)
		return
	}

	// Consume stderr silently
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		select {
		case <-c.stopCh:
			return
		default:
			n, err := stdout.Read(chunk)
			if err != nil {
				if err != io.EOF {
					log.Printf("[Capture] Error reading frame: %v", err)
				}
				return
			}

			frameBuffer = append(frameBuffer, chunk[:n]...)

			for {
				data := extractJPEGFrame(&frameBuffer)
				if data == nil {
					break
				}
				c.broadcast(data)
			}
		}
	}
}

// broadcast wraps raw JPEG bytes in a Frame per subscriber and delivers
// with the latest-wins policy.
func (c *cameraCapture) broadcast(data []byte) {
	seq := c.frameSeq.Add(1)
	now := time.Now()

	c.statsMu.Lock()
	c.stats.FramesCaptured++
	c.stats.LastFrameTime = now.Unix()
	c.statsMu.Unlock()

	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for sub := range c.subscribers {
		c.inFlight.Add(1)
		frame := pipeline.NewFrame(c.cameraID, data, c.width, c.height, seq, now, func() {
			c.inFlight.Add(-1)
		})
		c.deliver(sub, frame)
	}
}

// deliver places a frame in the subscriber's depth-1 mailbox. A stale
// undelivered frame is released and replaced; the frame is dropped only
// if the consumer raced us to an already refilled mailbox.
func (c *cameraCapture) deliver(sub *pipeline.FrameSubscription, frame *pipeline.Frame) {
	select {
	case sub.Frames <- frame:
		return
	default:
	}

	select {
	case stale := <-sub.Frames:
		if stale != nil {
			stale.Release()
		}
		c.countDrop()
	default:
	}

	select {
	case sub.Frames <- frame:
	default:
		frame.Release()
		c.countDrop()
	}
}

func (c *cameraCapture) countDrop() {
	c.statsMu.Lock()
	c.stats.FramesDropped++
	c.statsMu.Unlock()
}

// extractJPEGFrame extracts a complete JPEG frame (FFD8..FFD9) from the
// accumulation buffer.
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// Ensure FFmpegSource implements pipeline.FrameSource
var _ pipeline.FrameSource = (*FFmpegSource)(nil)
