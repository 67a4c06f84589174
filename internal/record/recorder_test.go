package record

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderInitialState(t *testing.T) {
	r := NewRecorder(t.TempDir())
	assert.Equal(t, StateIdle, r.State())
	assert.Nil(t, r.Current())
}

func TestStopWithoutRecording(t *testing.T) {
	r := NewRecorder(t.TempDir())
	_, err := r.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.Equal(t, StateIdle, r.State())
}

func TestCompletionResolvesOnce(t *testing.T) {
	c := newCompletion(time.Hour, errors.New("timeout"))

	want := errors.New("first")
	c.resolve(want)
	c.resolve(errors.New("second")) // No effect

	assert.Equal(t, want, c.wait())
}

func TestCompletionTimesOut(t *testing.T) {
	timeoutErr := errors.New("took too long")
	c := newCompletion(10*time.Millisecond, timeoutErr)

	assert.Equal(t, timeoutErr, c.wait())

	// Late resolution after the timeout is a no-op.
	c.resolve(nil)
}

func TestCompletionResolveBeatsTimer(t *testing.T) {
	c := newCompletion(50*time.Millisecond, errors.New("timeout"))
	c.resolve(nil)

	assert.NoError(t, c.wait())
	time.Sleep(70 * time.Millisecond) // Timer must have been stopped
}

func TestIsExpectedExit(t *testing.T) {
	assert.True(t, isExpectedExit(nil))
	assert.False(t, isExpectedExit(errors.New("some error")))

	// A real non-zero exit (other than the interrupt code) is unexpected.
	cmd := exec.Command("sh", "-c", "exit 3")
	err := cmd.Run()
	require.Error(t, err)
	assert.False(t, isExpectedExit(err))
}

func TestRecordCommandSelectsInput(t *testing.T) {
	cmd := recordCommand("rtsp://example/stream", "/tmp/out.mp4", 15)
	assert.Contains(t, cmd.Args, "-rtsp_transport")
	assert.Contains(t, cmd.Args, "copy")

	cmd = recordCommand("/dev/video0", "/tmp/out.mp4", 15)
	assert.Contains(t, cmd.Args, "v4l2")
	assert.Contains(t, cmd.Args, "libx264")
}

func TestCheckStorageCreatesDir(t *testing.T) {
	dir := t.TempDir() + "/nested/recordings"
	// Either passes or reports low storage; never fails on the directory.
	err := checkStorage(dir)
	if err != nil {
		assert.ErrorIs(t, err, ErrLowStorage)
	}
}
