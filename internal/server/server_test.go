package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visor/internal/auth"
	"visor/internal/pipeline"
	"visor/internal/record"
	"visor/internal/store"
	"visor/internal/ws"
)

type fakeCaptureSource struct {
	mu      sync.Mutex
	started map[string]bool
}

func newFakeCaptureSource() *fakeCaptureSource {
	return &fakeCaptureSource{started: make(map[string]bool)}
}

func (s *fakeCaptureSource) Start(cameraID, device string, fps, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started[cameraID] {
		return fmt.Errorf("camera %s already started", cameraID)
	}
	s.started[cameraID] = true
	return nil
}

func (s *fakeCaptureSource) Stop(cameraID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.started, cameraID)
	return nil
}

func (s *fakeCaptureSource) Subscribe(cameraID string) (*pipeline.FrameSubscription, error) {
	return &pipeline.FrameSubscription{
		CameraID: cameraID,
		Frames:   make(chan *pipeline.Frame, 1),
		Done:     make(chan struct{}),
	}, nil
}

func (s *fakeCaptureSource) Unsubscribe(sub *pipeline.FrameSubscription) {}

type nopPredictor struct{}

func (nopPredictor) Predict(ctx context.Context, frame *pipeline.Frame, t pipeline.Thresholds) (*pipeline.DetectionResult, error) {
	return &pipeline.DetectionResult{}, nil
}
func (nopPredictor) IsHealthy() bool { return true }
func (nopPredictor) Close() error    { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *pipeline.Manager) {
	t.Helper()
	t.Setenv("AUTH_ENABLED", "")

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	manager := pipeline.NewManager(newFakeCaptureSource(), nopPredictor{}, nil)
	t.Cleanup(func() { manager.Close() })

	srv := httptest.NewServer(New(manager, record.NewRecorder(t.TempDir()), st, ws.NewHub(), auth.NewAuthenticator()))
	t.Cleanup(srv.Close)
	return srv, manager
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func startCamera(t *testing.T, srv *httptest.Server, cameraID string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/cameras/"+cameraID+"/start",
		map[string]any{"device": "rtsp://example/stream", "fps": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestLoginWhenAuthDisabled(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/login",
		map[string]string{"username": "admin", "password": "secret"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCameraLifecycle(t *testing.T) {
	srv, manager := newTestServer(t)

	startCamera(t, srv, "cam1")
	assert.Contains(t, manager.Cameras(), "cam1")

	// Double start conflicts
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/cameras/cam1/start",
		map[string]any{"device": "rtsp://example/stream"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/cameras/cam1/stop", map[string]any{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, manager.Cameras())

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/cameras/cam1/stop", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartCameraRequiresDevice(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/cameras/cam1/start", map[string]any{"fps": 10})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamConfigEndpoints(t *testing.T) {
	srv, manager := newTestServer(t)
	startCamera(t, srv, "cam1")

	resp, err := http.Get(srv.URL + "/api/cameras/cam1/stream-config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg pipeline.StreamConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.True(t, cfg.IncludeDetections)

	cfg.MaxFPS = 10
	cfg.SkipFrames = 2
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/cameras/cam1/stream-config", cfg)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	p, ok := manager.Get("cam1")
	require.True(t, ok)
	assert.Equal(t, 10, p.StreamConfig().MaxFPS)

	// Invalid update rejected, last-known-good retained
	bad := cfg
	bad.MaxFPS = -1
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/cameras/cam1/stream-config", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 10, p.StreamConfig().MaxFPS)
}

func TestStreamConfigUnknownCamera(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/cameras/nope/stream-config")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestThresholdsEndpoint(t *testing.T) {
	srv, manager := newTestServer(t)
	startCamera(t, srv, "cam1")

	resp := doJSON(t, http.MethodPut, srv.URL+"/api/cameras/cam1/thresholds",
		pipeline.Thresholds{Confidence: 0.5, IoU: 0.4, NumItems: 20})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	p, ok := manager.Get("cam1")
	require.True(t, ok)
	assert.Equal(t, float32(0.5), p.Thresholds().Confidence)

	resp = doJSON(t, http.MethodPut, srv.URL+"/api/cameras/cam1/thresholds",
		pipeline.Thresholds{Confidence: 1.5, IoU: 0.4, NumItems: 20})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, float32(0.5), p.Thresholds().Confidence)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	startCamera(t, srv, "cam1")

	resp, err := http.Get(srv.URL + "/api/cameras/cam1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats pipeline.PipelineStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "cam1", stats.CameraID)
}

func TestEmissionsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/cameras/cam1/emissions?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecordingStatusIdle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/recording")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "idle", body["state"])
	assert.Nil(t, body["current"])
}

func TestStopRecordingWithoutStart(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/recording/stop", map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMutatingRoutesRequireAuthWhenEnabled(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_USERNAME", "operator")
	t.Setenv("AUTH_PASSWORD", "hunter2")
	t.Setenv("JWT_SECRET", "test-secret")

	manager := pipeline.NewManager(newFakeCaptureSource(), nopPredictor{}, nil)
	t.Cleanup(func() { manager.Close() })

	srv := httptest.NewServer(New(manager, record.NewRecorder(t.TempDir()), nil, ws.NewHub(), auth.NewAuthenticator()))
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/cameras/cam1/start",
		map[string]any{"device": "rtsp://example/stream"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Login and retry with the token
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/login",
		map[string]string{"username": "operator", "password": "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	require.NotEmpty(t, login.Token)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{"device": "rtsp://example/stream"}))
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/cameras/cam1/start", &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}
