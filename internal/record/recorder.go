package record

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// State is the recorder lifecycle state. Every transition goes through
// the single recorder mutex; there are no free-floating flags.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrStopTimeout      = errors.New("recording stop timed out")
	ErrLowStorage       = errors.New("insufficient storage space")
)

// stopTimeout bounds how long a caller can be left waiting for the
// encoder to finalize the container. After it elapses the pending
// completion is force-failed and the process killed.
const stopTimeout = 5 * time.Second

// minFreeBytes is the storage floor below which a recording will not
// start (500 MB).
const minFreeBytes = 500 * 1024 * 1024

// completion is an exactly-once promise with a built-in timeout: whoever
// resolves first (the encoder exiting or the timer) wins, and late
// resolutions are no-ops. Guarantees the caller is never left waiting
// indefinitely.
type completion struct {
	once  sync.Once
	ch    chan error
	timer *time.Timer
}

func newCompletion(timeout time.Duration, onTimeout error) *completion {
	c := &completion{ch: make(chan error, 1)}
	c.timer = time.AfterFunc(timeout, func() {
		c.resolve(onTimeout)
	})
	return c
}

func (c *completion) resolve(err error) {
	c.once.Do(func() {
		c.timer.Stop()
		c.ch <- err
	})
}

func (c *completion) wait() error {
	return <-c.ch
}

// Recording describes one finished or in-progress recording.
type Recording struct {
	ID        string    `json:"id"`
	CameraID  string    `json:"camera_id"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
}

// Recorder drives an ffmpeg encoder process for one camera at a time.
type Recorder struct {
	outputDir string

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	current *Recording
	done    *completion
}

// NewRecorder creates a recorder writing MP4 files under outputDir.
func NewRecorder(outputDir string) *Recorder {
	return &Recorder{
		outputDir: outputDir,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Current returns the in-progress recording, or nil when idle.
func (r *Recorder) Current() *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	rec := *r.current
	return &rec
}

// Start begins recording the given device. Fails fast when a recording
// is already in progress or storage is low; the error is propagated once
// to the caller, not retried.
func (r *Recorder) Start(cameraID, device string, fps int) (*Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return nil, fmt.Errorf("%w (state: %s)", ErrAlreadyRecording, r.state)
	}

	if err := checkStorage(r.outputDir); err != nil {
		return nil, err
	}

	r.state = StateStarting

	rec := &Recording{
		ID:        uuid.New().String(),
		CameraID:  cameraID,
		StartedAt: time.Now(),
	}
	rec.Path = filepath.Join(r.outputDir, fmt.Sprintf("%s_%s.mp4", cameraID, rec.ID))

	cmd := recordCommand(device, rec.Path, fps)
	if err := cmd.Start(); err != nil {
		r.state = StateIdle
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	r.cmd = cmd
	r.current = rec
	r.done = newCompletion(24*time.Hour, nil) // Resolved by process exit or Stop
	r.state = StateRecording

	// Watch for unexpected encoder exit
	done := r.done
	go func() {
		err := cmd.Wait()
		done.resolve(err)
		r.onEncoderExit(rec.ID, err)
	}()

	log.Printf("[Recorder] Started recording %s for camera %s -> %s", rec.ID, cameraID, rec.Path)
	out := *rec
	return &out, nil
}

// Stop ends the current recording. The encoder gets an interrupt to
// finalize the container and a bounded wait; after the timeout the
// pending completion is force-failed with ErrStopTimeout and the process
// killed, so the caller always gets an answer.
func (r *Recorder) Stop() (*Recording, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (state: %s)", ErrNotRecording, r.state)
	}
	r.state = StateStopping
	cmd := r.cmd
	rec := *r.current
	exited := r.done
	r.mu.Unlock()

	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGINT)
	}

	stop := newCompletion(stopTimeout, ErrStopTimeout)
	go func() {
		stop.resolve(exited.wait())
	}()

	err := stop.wait()
	if errors.Is(err, ErrStopTimeout) && cmd.Process != nil {
		cmd.Process.Kill()
	}

	r.mu.Lock()
	r.state = StateIdle
	r.cmd = nil
	r.current = nil
	r.done = nil
	r.mu.Unlock()

	if err != nil && !isExpectedExit(err) {
		log.Printf("[Recorder] Recording %s stopped with error: %v", rec.ID, err)
		return &rec, err
	}

	log.Printf("[Recorder] Recording %s stopped (%s)", rec.ID, rec.Path)
	return &rec, nil
}

// onEncoderExit handles the encoder dying outside of Stop.
func (r *Recorder) onEncoderExit(recordingID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording || r.current == nil || r.current.ID != recordingID {
		return // Stop path owns the transition
	}

	log.Printf("[Recorder] Encoder exited unexpectedly for recording %s: %v", recordingID, err)
	r.state = StateIdle
	r.cmd = nil
	r.current = nil
	r.done = nil
}

func recordCommand(device, outputPath string, fps int) *exec.Cmd {
	var args []string
	if len(device) > 7 && device[:7] == "rtsp://" {
		args = []string{
			"-rtsp_transport", "tcp",
			"-i", device,
			"-c", "copy",
			"-movflags", "+faststart",
			outputPath,
		}
	} else {
		args = []string{
			"-f", "v4l2",
			"-framerate", fmt.Sprintf("%d", fps),
			"-i", device,
			"-c:v", "libx264",
			"-preset", "ultrafast",
			outputPath,
		}
	}
	return exec.Command("ffmpeg", args...)
}

// isExpectedExit reports whether the encoder exit status is the normal
// outcome of an interrupt-driven shutdown.
func isExpectedExit(err error) bool {
	if err == nil {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ffmpeg exits 255 when interrupted mid-stream
		return exitErr.ExitCode() == 255 || exitErr.ExitCode() == 0
	}
	return false
}

func checkStorage(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		// Cannot determine free space; let the encoder try
		return nil
	}

	free := stat.Bavail * uint64(stat.Bsize)
	if free < minFreeBytes {
		return fmt.Errorf("%w: %d MB free", ErrLowStorage, free/(1024*1024))
	}
	return nil
}
