package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type peersRequest struct {
	Limit int `schema:"limit"`
}

// peerView is one history peer of a device.
type peerView struct {
	DeviceID string  `json:"device_id"`
	Name     string  `json:"name,omitempty"`
	Count    int     `json:"count"`
	LastTs   float64 `json:"last_ts"`
}

var titleCaser = cases.Title(language.English)

// displayName tidies a stored name for the peer listing; infrastructure
// names pinned online by config are hidden.
func (s *Service) displayName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", true
	}
	if s.cfg.ForcedOnline(name) {
		return "", false
	}
	if name == strings.ToLower(name) {
		return titleCaser.String(name), true
	}
	return name, true
}

// peersHandler lists the devices most often sharing history segments with
// the given device, count descending.
func (s *Service) peersHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if deviceID == "" {
		ErrorResponse(w, http.StatusBadRequest, "Bad Request")
		return
	}

	req := peersRequest{Limit: 10}
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	if err := dec.Decode(&req, r.URL.Query()); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Bad Request")
		return
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 10
	}

	peers := []peerView{}
	for peerID, entry := range s.store.PeerCounts(deviceID) {
		name, ok := s.displayName(s.store.Name(peerID))
		if !ok {
			continue
		}
		peers = append(peers, peerView{
			DeviceID: peerID,
			Name:     name,
			Count:    entry.Count,
			LastTs:   entry.LastTs,
		})
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Count != peers[j].Count {
			return peers[i].Count > peers[j].Count
		}
		return peers[i].DeviceID < peers[j].DeviceID
	})
	if len(peers) > req.Limit {
		peers = peers[:req.Limit]
	}

	JSONResponse(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"peers":     peers,
	})
}
