package api

import "net/http"

// snapshotHandler serves the same payload a WebSocket client receives on
// connect, for polling clients that cannot hold a socket open.
func (s *Service) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	now := s.nowTs()
	snap := s.store.Snapshot(now)
	JSONResponse(w, http.StatusOK, map[string]any{
		"devices":                snap.Devices,
		"trails":                 snap.Trails,
		"routes":                 snap.Routes,
		"history_edges":          snap.HistoryEdges,
		"history_window_seconds": snap.HistoryWindowSeconds,
		"heat":                   snap.Heat,
		"server_time":            now,
	})
}
