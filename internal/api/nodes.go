package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/schema"
)

type nodesRequest struct {
	UpdatedSince string `schema:"updated_since"`
	Mode         string `schema:"mode"`
	Format       string `schema:"format"`
}

// parseSinceTs accepts RFC3339 or unix-seconds timestamps.
func parseSinceTs(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return float64(t.UnixNano()) / float64(time.Second), true
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, true
	}
	return 0, false
}

// nodeView is one entry in the /api/nodes listing.
type nodeView struct {
	DeviceID string   `json:"device_id"`
	Name     string   `json:"name,omitempty"`
	Role     string   `json:"role,omitempty"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Ts       float64  `json:"ts"`
	LastSeen *float64 `json:"last_seen,omitempty"`
	Online   bool     `json:"online"`
	RSSI     *float64 `json:"rssi,omitempty"`
	SNR      *float64 `json:"snr,omitempty"`
}

// nodesHandler lists the materialized devices with presence flags. mode=delta
// restricts the listing to devices seen at or after updated_since; format=flat
// returns the bare list.
func (s *Service) nodesHandler(w http.ResponseWriter, r *http.Request) {
	var req nodesRequest
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	if err := dec.Decode(&req, r.URL.Query()); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Bad Request")
		return
	}
	since, hasSince := parseSinceTs(req.UpdatedSince)

	now := s.nowTs()
	onlineWindow := s.cfg.MQTTOnline.Seconds()

	var nodes []nodeView
	for id, d := range s.store.Devices() {
		if req.Mode == "delta" && hasSince {
			last := d.Ts
			if ts, ok := s.store.LastSeen(id); ok && ts > last {
				last = ts
			}
			if last < since {
				continue
			}
		}
		view := nodeView{
			DeviceID: id,
			Name:     d.Name,
			Role:     d.Role,
			Lat:      d.Lat,
			Lon:      d.Lon,
			Ts:       d.Ts,
			RSSI:     d.RSSI,
			SNR:      d.SNR,
		}
		if ts, ok := s.store.LastSeen(id); ok {
			view.LastSeen = &ts
			view.Online = now-ts <= onlineWindow
		}
		if !view.Online && s.cfg.ForcedOnline(d.Name) {
			view.Online = true
		}
		nodes = append(nodes, view)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Ts != nodes[j].Ts {
			return nodes[i].Ts > nodes[j].Ts
		}
		return nodes[i].DeviceID < nodes[j].DeviceID
	})
	if nodes == nil {
		nodes = []nodeView{}
	}

	if req.Format == "flat" {
		JSONResponse(w, http.StatusOK, map[string]any{"data": nodes})
		return
	}
	JSONResponse(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"nodes": nodes,
			"count": len(nodes),
			"now":   now,
		},
	})
}
