// Package telemetry broadcasts vehicle snapshots to debug clients over
// a websocket, adapted from the source project's wsHandler /
// broadcastTelemetry / clients map pattern in main.go. There the
// client set and mutex were package-level globals; here they are
// owned by a Hub so a daemon process can run more than one simulated
// vehicle without the broadcasters colliding.
package telemetry

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is one CAN frame surfaced to debug clients alongside snapshots.
type Frame struct {
	ID        uint32    `json:"id"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Update is one message pushed to every connected debug client.
type Update struct {
	Snapshot vehiclesim.Snapshot `json:"snapshot"`
	Frame    *Frame              `json:"frame,omitempty"`
}

// Hub tracks connected debug websocket clients and fans out Updates
// to all of them.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

// ServeWS upgrades the request to a websocket and registers the
// connection until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("telemetry: websocket upgrade error: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[ws] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, ws)
		h.mu.Unlock()
		ws.Close()
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// Broadcast sends update as JSON to every connected client, dropping
// any that error on write.
func (h *Hub) Broadcast(update Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	payload, err := json.Marshal(update)
	if err != nil {
		log.Printf("telemetry: marshal update: %v", err)
		return
	}

	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("telemetry: send to client: %v", err)
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Close disconnects every client, used during graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

// ClientCount reports how many debug clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
