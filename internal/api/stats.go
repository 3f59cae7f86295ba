package api

import (
	"net/http"
	"time"
)

// statsHandler reports pipeline counters. In prod mode without a valid token
// the payload is reduced to coarse counts.
func (s *Service) statsHandler(w http.ResponseWriter, r *http.Request) {
	now := s.nowTs()
	full := s.authorized(r)

	body := map[string]any{
		"uptime_seconds":    time.Since(s.started).Seconds(),
		"devices":           s.store.DeviceCount(),
		"routes":            s.store.RouteCount(),
		"websocket_clients": s.hub.Count(),
		"mqtt_messages":     s.stats.MessagesTotal(),
		"seen_devices":      s.store.SeenCount(),
		"history_edges":     len(s.store.HistoryEdges()),
		"history_segments":  s.store.SegmentCount(),
	}
	if !full {
		JSONResponse(w, http.StatusOK, body)
		return
	}

	enabled, ready, unavailable := s.dec.Status()
	body["results"] = s.stats.ResultCounts()
	body["topics_top"] = s.stats.TopTopics(20)
	body["events_dropped"] = s.stats.EventsDropped()
	body["seen_recent"] = s.store.SeenRecent(20)
	body["heat_points"] = len(s.store.HeatSnapshot(now))
	body["decoder"] = map[string]bool{
		"enabled":     enabled,
		"ready":       ready,
		"unavailable": unavailable,
	}
	body["config"] = map[string]any{
		"device_ttl_seconds":     s.cfg.DeviceTTL.Seconds(),
		"route_ttl_seconds":      s.cfg.RouteTTL.Seconds(),
		"trail_len":              s.cfg.TrailLen,
		"history_window_seconds": s.cfg.HistoryWindow.Seconds(),
		"map_radius_km":          s.cfg.MapRadiusKM,
		"direct_coords_mode":     s.cfg.DirectCoordsMode,
	}
	JSONResponse(w, http.StatusOK, body)
}
