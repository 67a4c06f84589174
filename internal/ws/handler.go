package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // Stream records can carry base64 JPEG payloads
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests to WebSocket stream subscriptions.
// Expected URL format: /ws/stream/{camera_id}
type Handler struct {
	hub *Hub
}

// NewHandler creates a handler backed by the given hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/stream/")
	cameraID := strings.TrimSuffix(path, "/")

	if cameraID == "" {
		http.Error(w, "camera_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	log.Printf("[WS] New connection for camera %s from %s", cameraID, r.RemoteAddr)
	h.hub.Register(cameraID, conn)
	go h.readPump(cameraID, conn)
}

// readPump keeps the connection alive and detects client disconnection.
// The keepalive goroutine exits with the pump; pings go through the hub
// so they share the per-connection write lock with broadcasts.
func (h *Handler) readPump(cameraID string, conn *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(cameraID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(512) // Clients are not expected to send payloads
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := h.hub.ping(cameraID, conn); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error for camera %s: %v", cameraID, err)
			}
			break
		}
	}
}
