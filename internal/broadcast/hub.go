package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"meshmap-go/internal/common/logging"
)

// Hub tracks live WebSocket subscribers. All writes happen under the mutex so
// a snapshot send and a broadcast never interleave on one connection.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: map[*websocket.Conn]struct{}{}}
}

// RegisterAndSend adds a subscriber and delivers its initial snapshot before
// any broadcast can reach it.
func (h *Hub) RegisterAndSend(conn *websocket.Conn, snapshot any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := conn.WriteJSON(snapshot); err != nil {
		return err
	}
	h.conns[conn] = struct{}{}
	return nil
}

// Unregister removes a subscriber and closes its connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		conn.Close()
	}
}

// Broadcast marshals the message once and writes it to every subscriber,
// dropping connections that fail.
func (h *Hub) Broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logging.Log(logging.Error, "broadcast marshal failed: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(h.conns, conn)
			conn.Close()
		}
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
