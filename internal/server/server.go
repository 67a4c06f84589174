package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"visor/internal/auth"
	"visor/internal/pipeline"
	"visor/internal/record"
	"visor/internal/store"
	"visor/internal/ws"
)

// Server exposes the control API: camera lifecycle, stream configuration,
// thresholds, recording and the WebSocket streaming endpoint.
type Server struct {
	manager       *pipeline.Manager
	recorder      *record.Recorder
	store         *store.Store
	hub           *ws.Hub
	authenticator *auth.Authenticator
	mux           *http.ServeMux
}

// New creates the control API server. The store may be nil to disable
// emission journaling and config persistence.
func New(manager *pipeline.Manager, recorder *record.Recorder, st *store.Store, hub *ws.Hub, authenticator *auth.Authenticator) *Server {
	s := &Server{
		manager:       manager,
		recorder:      recorder,
		store:         st,
		hub:           hub,
		authenticator: authenticator,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	protect := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(s.authenticator, h)
	}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/login", s.handleLogin)

	s.mux.HandleFunc("GET /api/cameras", s.handleListCameras)
	s.mux.Handle("POST /api/cameras/{id}/start", protect(s.handleStartCamera))
	s.mux.Handle("POST /api/cameras/{id}/stop", protect(s.handleStopCamera))

	s.mux.HandleFunc("GET /api/cameras/{id}/stream-config", s.handleGetStreamConfig)
	s.mux.Handle("PUT /api/cameras/{id}/stream-config", protect(s.handleSetStreamConfig))
	s.mux.Handle("PUT /api/cameras/{id}/thresholds", protect(s.handleSetThresholds))
	s.mux.HandleFunc("GET /api/cameras/{id}/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/cameras/{id}/emissions", s.handleEmissions)

	s.mux.Handle("POST /api/recording/start", protect(s.handleStartRecording))
	s.mux.Handle("POST /api/recording/stop", protect(s.handleStopRecording))
	s.mux.HandleFunc("GET /api/recording", s.handleRecordingStatus)

	s.mux.Handle("/ws/stream/", ws.NewHandler(s.hub))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"cameras": s.manager.Cameras(),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.authenticator.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			writeError(w, http.StatusBadRequest, "authentication is disabled")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cameras": s.manager.Cameras()})
}

func (s *Server) handleStartCamera(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("id")

	var req struct {
		Device string `json:"device"`
		FPS    int    `json:"fps"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Device == "" {
		writeError(w, http.StatusBadRequest, "device required")
		return
	}
	if req.FPS <= 0 {
		req.FPS = 15
	}

	p, err := s.manager.StartCamera(cameraID, req.Device, req.FPS, req.Width, req.Height)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	// The hub-backed sink is the comprehensive consumer; it suppresses
	// the simple and metrics sinks while registered.
	p.OnStream(s.streamSink())

	// Restore the persisted stream configuration, if any
	if s.store != nil {
		if cfg, err := s.store.LoadStreamConfig(); err == nil {
			if err := p.SetStreamConfig(cfg); err != nil {
				log.Printf("[Server] Ignoring persisted stream config: %v", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"camera_id": cameraID, "status": "started"})
}

// streamSink broadcasts to WebSocket clients and journals the emission.
func (s *Server) streamSink() pipeline.StreamSink {
	broadcast := s.hub.StreamSink()
	return func(rec *pipeline.StreamRecord) {
		broadcast(rec)
		if s.store != nil {
			if err := s.store.SaveEmission(rec); err != nil {
				log.Printf("[Server] Failed to journal emission: %v", err)
			}
		}
	}
}

func (s *Server) handleStopCamera(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("id")
	if err := s.manager.StopCamera(cameraID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"camera_id": cameraID, "status": "stopped"})
}

func (s *Server) handleGetStreamConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	writeJSON(w, http.StatusOK, p.StreamConfig())
}

func (s *Server) handleSetStreamConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}

	var cfg pipeline.StreamConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := p.SetStreamConfig(cfg); err != nil {
		// Last-known-good config stays in effect
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.store != nil {
		if err := s.store.SaveStreamConfig(cfg); err != nil {
			log.Printf("[Server] Failed to persist stream config: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetThresholds(w http.ResponseWriter, r *http.Request) {
	p, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}

	var t pipeline.Thresholds
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := p.SetThresholds(t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	p, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

func (s *Server) handleEmissions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "emission journal disabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.store.ListEmissions(r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emissions": records})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CameraID string `json:"camera_id"`
		Device   string `json:"device"`
		FPS      int    `json:"fps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Device == "" {
		writeError(w, http.StatusBadRequest, "device required")
		return
	}
	if req.FPS <= 0 {
		req.FPS = 15
	}

	rec, err := s.recorder.Start(req.CameraID, req.Device, req.FPS)
	if err != nil {
		switch {
		case errors.Is(err, record.ErrAlreadyRecording):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, record.ErrLowStorage):
			writeError(w, http.StatusInsufficientStorage, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.recorder.Stop()
	if err != nil {
		switch {
		case errors.Is(err, record.ErrNotRecording):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, record.ErrStopTimeout):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   s.recorder.State(),
		"current": s.recorder.Current(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
