package api

import "net/http"

// debugLastHandler dumps the recent classification ring.
func (s *Service) debugLastHandler(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]any{
		"entries": s.stats.DebugLast(),
		"enabled": s.cfg.DebugPayload,
	})
}

// debugStatusHandler dumps the recent status-topic ring.
func (s *Service) debugStatusHandler(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]any{
		"entries": s.stats.StatusLast(),
	})
}
