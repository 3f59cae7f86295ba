// Package api exposes the HTTP surface: the WebSocket feed, the stats and
// node queries, line-of-sight analysis, the coverage proxy and the PWA shell.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"meshmap-go/internal/broadcast"
	"meshmap-go/internal/common/config"
	"meshmap-go/internal/decoder"
	"meshmap-go/internal/ingest"
	router "meshmap-go/internal/router/common"
	"meshmap-go/internal/topology"
)

// Response is the envelope used by the plain JSON endpoints.
type Response struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Service wires the HTTP handlers to the store and its collaborators.
type Service struct {
	cfg     *config.Config
	store   *topology.Store
	hub     *broadcast.Hub
	stats   *ingest.Stats
	dec     *decoder.Adapter
	started time.Time
	client  *http.Client
	now     func() time.Time

	elevMu    sync.Mutex
	elevCache map[string]elevEntry
}

func NewService(cfg *config.Config, store *topology.Store, hub *broadcast.Hub, stats *ingest.Stats, dec *decoder.Adapter) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		hub:       hub,
		stats:     stats,
		dec:       dec,
		started:   time.Now(),
		client:    &http.Client{Timeout: 6 * time.Second},
		now:       time.Now,
		elevCache: map[string]elevEntry{},
	}
}

// Routes returns every handler the service exposes.
func (s *Service) Routes() []router.Route {
	return []router.Route{
		{Path: "/", Handler: s.indexHandler},
		{Path: "/healthz", Handler: s.healthHandler},
		{Path: "/manifest.webmanifest", Handler: s.manifestHandler},
		{Path: "/sw.js", Handler: s.serviceWorkerHandler},
		{Path: "/ws", Handler: s.wsHandler},
		{Path: "/snapshot", Handler: s.requireAuth(s.snapshotHandler)},
		{Path: "/stats", Handler: s.statsHandler},
		{Path: "/api/config", Handler: s.configHandler},
		{Path: "/api/nodes", Handler: s.requireAuth(s.nodesHandler)},
		{Path: "/peers/{device_id}", Handler: s.requireAuth(s.peersHandler)},
		{Path: "/los", Handler: s.requireAuth(s.losHandler)},
		{Path: "/coverage", Handler: s.requireAuth(s.coverageHandler)},
		{Path: "/debug/last", Handler: s.debugGuard(s.debugLastHandler)},
		{Path: "/debug/status", Handler: s.debugGuard(s.debugStatusHandler)},
	}
}

func (s *Service) nowTs() float64 {
	return float64(s.now().UnixNano()) / float64(time.Second)
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// configHandler hands the client its map framing and timing parameters.
func (s *Service) configHandler(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]any{
		"map": map[string]any{
			"start_lat":  s.cfg.MapStartLat,
			"start_lon":  s.cfg.MapStartLon,
			"start_zoom": s.cfg.MapStartZoom,
			"radius_km":  s.cfg.MapRadiusKM,
		},
		"device_ttl_seconds":     s.cfg.DeviceTTL.Seconds(),
		"trail_len":              s.cfg.TrailLen,
		"route_ttl_seconds":      s.cfg.RouteTTL.Seconds(),
		"history_window_seconds": s.cfg.HistoryWindow.Seconds(),
		"online_window_seconds":  s.cfg.MQTTOnline.Seconds(),
		"prod_mode":              s.cfg.ProdMode,
	})
}

// JSONResponse writes v as the response body with the given status code.
func JSONResponse(w http.ResponseWriter, httpCode int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	w.Write(payload)
}

// ErrorResponse writes the envelope used for failures.
func ErrorResponse(w http.ResponseWriter, httpCode int, message string) {
	JSONResponse(w, httpCode, Response{Message: message})
}
