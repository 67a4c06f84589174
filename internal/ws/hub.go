package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"visor/internal/pipeline"
)

// writeTimeout bounds every outbound write, broadcasts and pings alike.
const writeTimeout = 10 * time.Second

var errClientGone = errors.New("client no longer registered")

// client serializes writes to one connection. gorilla/websocket supports
// at most one concurrent writer; broadcasts and keepalive pings go
// through the same mutex.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Hub manages WebSocket connections for real-time stream records.
type Hub struct {
	// clients maps camera_id -> connection -> write-serialized client
	clients map[string]map[*websocket.Conn]*client
	mu      sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*websocket.Conn]*client),
	}
}

// Register adds a connection for a specific camera.
func (h *Hub) Register(cameraID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[cameraID] == nil {
		h.clients[cameraID] = make(map[*websocket.Conn]*client)
	}
	h.clients[cameraID][conn] = &client{conn: conn}
	log.Printf("[WS] Client registered for camera %s (total: %d)", cameraID, len(h.clients[cameraID]))
}

// Unregister removes a connection for a specific camera.
func (h *Hub) Unregister(cameraID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[cameraID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, cameraID)
		}
		log.Printf("[WS] Client unregistered for camera %s", cameraID)
	}
}

// HasClients reports whether any client is connected for a camera.
func (h *Hub) HasClients(cameraID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[cameraID]
	return ok && len(conns) > 0
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// BroadcastRecord sends a stream record to all clients subscribed to its
// camera. Dead connections are unregistered on write failure.
func (h *Hub) BroadcastRecord(record *pipeline.StreamRecord) {
	if record == nil || !h.HasClients(record.CameraID) {
		return
	}

	data, err := json.Marshal(record)
	if err != nil {
		log.Printf("[WS] Error marshaling stream record: %v", err)
		return
	}
	h.broadcast(record.CameraID, data)
}

func (h *Hub) broadcast(cameraID string, message []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients[cameraID]))
	for _, c := range h.clients[cameraID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, message); err != nil {
			log.Printf("[WS] Error sending to client: %v", err)
			h.Unregister(cameraID, c.conn)
			c.conn.Close()
		}
	}
}

// ping sends a keepalive ping to one registered connection.
func (h *Hub) ping(cameraID string, conn *websocket.Conn) error {
	h.mu.RLock()
	c := h.clients[cameraID][conn]
	h.mu.RUnlock()

	if c == nil {
		return errClientGone
	}
	return c.write(websocket.PingMessage, nil)
}

// StreamSink returns a pipeline.StreamSink that broadcasts to this hub.
func (h *Hub) StreamSink() pipeline.StreamSink {
	return func(record *pipeline.StreamRecord) {
		h.BroadcastRecord(record)
	}
}
