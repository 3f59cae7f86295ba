package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"meshmap-go/internal/common/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsHandler upgrades the connection, enforces the prod token and delivers the
// initial snapshot before registering for deltas. Unauthorized clients get a
// policy-violation close so the frontend can tell auth failures from network
// errors.
func (s *Service) wsHandler(w http.ResponseWriter, r *http.Request) {
	authorized := s.authorized(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log(logging.Debug, "websocket upgrade failed: %v", err)
		return
	}

	if !authorized {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)
		conn.Close()
		return
	}

	snap := s.store.Snapshot(s.nowTs())
	msg := map[string]any{
		"type":                   "snapshot",
		"devices":                snap.Devices,
		"trails":                 snap.Trails,
		"routes":                 snap.Routes,
		"history_edges":          snap.HistoryEdges,
		"history_window_seconds": snap.HistoryWindowSeconds,
		"heat":                   snap.Heat,
	}
	if err := s.hub.RegisterAndSend(conn, msg); err != nil {
		conn.Close()
		return
	}

	// Read loop exists only to observe disconnects; inbound frames are
	// discarded.
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
