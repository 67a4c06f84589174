package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visor/internal/pipeline"
)

func newTestCapture() *cameraCapture {
	return &cameraCapture{
		cameraID:    "cam1",
		stopCh:      make(chan struct{}),
		subscribers: make(map[*pipeline.FrameSubscription]bool),
		stats:       Stats{CameraID: "cam1"},
	}
}

func newTestSub() *pipeline.FrameSubscription {
	return &pipeline.FrameSubscription{
		CameraID: "cam1",
		Frames:   make(chan *pipeline.Frame, 1),
		Done:     make(chan struct{}),
	}
}

func frameWithCounter(seq uint64, released *int) *pipeline.Frame {
	return pipeline.NewFrame("cam1", []byte{0xFF, 0xD8, 0xFF, 0xD9}, 640, 480, seq, time.Now(),
		func() { *released++ })
}

func TestDeliverToEmptyMailbox(t *testing.T) {
	c := newTestCapture()
	sub := newTestSub()

	released := 0
	c.deliver(sub, frameWithCounter(1, &released))

	got := <-sub.Frames
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, 0, released)
}

func TestDeliverLatestWins(t *testing.T) {
	c := newTestCapture()
	sub := newTestSub()

	// The consumer is busy: the stale frame is released and replaced, it
	// never queues behind the new one.
	staleReleased := 0
	newReleased := 0
	c.deliver(sub, frameWithCounter(1, &staleReleased))
	c.deliver(sub, frameWithCounter(2, &newReleased))

	got := <-sub.Frames
	assert.Equal(t, uint64(2), got.Seq)
	assert.Equal(t, 1, staleReleased)
	assert.Equal(t, 0, newReleased)
	assert.Equal(t, uint64(1), c.stats.FramesDropped)
}

func TestDeliverSeriesKeepsOnlyNewest(t *testing.T) {
	c := newTestCapture()
	sub := newTestSub()

	released := 0
	for seq := uint64(1); seq <= 5; seq++ {
		c.deliver(sub, frameWithCounter(seq, &released))
	}

	got := <-sub.Frames
	assert.Equal(t, uint64(5), got.Seq)
	assert.Equal(t, 4, released)
}

func TestBroadcastTracksInFlight(t *testing.T) {
	c := newTestCapture()
	sub := newTestSub()
	c.subscribers[sub] = true

	c.broadcast([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	assert.Equal(t, int64(1), c.inFlight.Load())

	frame := <-sub.Frames
	frame.Release()
	assert.Equal(t, int64(0), c.inFlight.Load())

	assert.Equal(t, uint64(1), c.stats.FramesCaptured)
}

func TestSubscribeUnknownCamera(t *testing.T) {
	s := NewFFmpegSource()
	_, err := s.Subscribe("nope")
	assert.Error(t, err)
}

func TestUnsubscribeReleasesPendingFrame(t *testing.T) {
	s := NewFFmpegSource()
	require.NoError(t, s.Start("cam1", "/dev/video9", 10, 640, 480))
	defer s.Stop("cam1")

	sub, err := s.Subscribe("cam1")
	require.NoError(t, err)

	s.mu.RLock()
	c := s.cameras["cam1"]
	s.mu.RUnlock()

	released := 0
	c.deliver(sub, frameWithCounter(1, &released))

	s.Unsubscribe(sub)

	assert.Equal(t, 1, released)
	select {
	case <-sub.Done:
	default:
		t.Fatal("Done not closed after Unsubscribe")
	}
}

func TestUnsubscribeAfterCameraStopped(t *testing.T) {
	s := NewFFmpegSource()
	require.NoError(t, s.Start("cam1", "/dev/video9", 10, 640, 480))

	sub, err := s.Subscribe("cam1")
	require.NoError(t, err)

	// The camera goes away before the consumer's deferred unsubscribe
	// runs, with one frame still parked in the mailbox. The drain must
	// happen even though the camera is no longer registered.
	require.NoError(t, s.Stop("cam1"))

	released := 0
	sub.Frames <- frameWithCounter(1, &released)

	s.Unsubscribe(sub)
	assert.Equal(t, 1, released)
}

func TestStopReleasesPendingFrames(t *testing.T) {
	s := NewFFmpegSource()
	require.NoError(t, s.Start("cam1", "/dev/video9", 10, 640, 480))

	sub, err := s.Subscribe("cam1")
	require.NoError(t, err)

	released := 0
	sub.Frames <- frameWithCounter(1, &released)

	require.NoError(t, s.Stop("cam1"))

	assert.Equal(t, 1, released)
	select {
	case <-sub.Done:
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestExtractJPEGFrame(t *testing.T) {
	jpegA := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	jpegB := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}

	t.Run("complete frame", func(t *testing.T) {
		buf := append([]byte(nil), jpegA...)
		got := extractJPEGFrame(&buf)
		assert.Equal(t, jpegA, got)
		assert.Empty(t, buf)
	})

	t.Run("incomplete frame stays buffered", func(t *testing.T) {
		buf := []byte{0xFF, 0xD8, 0x01, 0x02}
		assert.Nil(t, extractJPEGFrame(&buf))
		assert.Len(t, buf, 4)
	})

	t.Run("leading garbage skipped", func(t *testing.T) {
		buf := append([]byte{0x00, 0x11, 0x22}, jpegA...)
		got := extractJPEGFrame(&buf)
		assert.Equal(t, jpegA, got)
	})

	t.Run("two frames extracted in order", func(t *testing.T) {
		buf := append(append([]byte(nil), jpegA...), jpegB...)
		assert.Equal(t, jpegA, extractJPEGFrame(&buf))
		assert.Equal(t, jpegB, extractJPEGFrame(&buf))
		assert.Nil(t, extractJPEGFrame(&buf))
	})
}
