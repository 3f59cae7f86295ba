package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmap-go/internal/broadcast"
	"meshmap-go/internal/common/config"
	"meshmap-go/internal/decoder"
	"meshmap-go/internal/ingest"
	"meshmap-go/internal/router"
	"meshmap-go/internal/topology"
)

type fixture struct {
	cfg    *config.Config
	store  *topology.Store
	hub    *broadcast.Hub
	stats  *ingest.Stats
	svc    *Service
	server *httptest.Server
}

func newFixture(t *testing.T, env map[string]string) *fixture {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	if _, ok := env["DECODE_WITH_NODE"]; !ok {
		env["DECODE_WITH_NODE"] = "false"
	}
	cfg := config.LoadFrom(func(key string) string { return env[key] })
	store := topology.NewStore(cfg)
	hub := broadcast.NewHub()
	stats := ingest.NewStats(cfg.DebugLastMax, cfg.DebugStatusMax)
	svc := NewService(cfg, store, hub, stats, decoder.New(cfg))
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }

	server := httptest.NewServer(router.NewRouter(svc.Routes()))
	t.Cleanup(server.Close)
	return &fixture{cfg: cfg, store: store, hub: hub, stats: stats, svc: svc, server: server}
}

func (f *fixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) seedDevice(id string, lat, lon, ts float64) {
	f.store.UpsertDevice(topology.Device{DeviceID: id, Lat: lat, Lon: lon, Ts: ts}, ts)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	var body map[string]string
	code := f.getJSON(t, "/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestConfigEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{"MAP_START_LAT": "51.5"})

	var body map[string]any
	code := f.getJSON(t, "/api/config", &body)
	require.Equal(t, http.StatusOK, code)

	mapCfg, ok := body["map"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 51.5, mapCfg["start_lat"])
	assert.Equal(t, 30.0, body["trail_len"])
}

func TestNodesEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDevice("AB12", 42.36, -71.05, 1699999000)
	f.seedDevice("CD34", 42.37, -71.06, 1699999900)
	f.store.MarkSeen("CD34", 1699999999)

	var body struct {
		Data struct {
			Nodes []nodeView `json:"nodes"`
			Count int        `json:"count"`
		} `json:"data"`
	}
	code := f.getJSON(t, "/api/nodes", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 2, body.Data.Count)
	// Newest first.
	assert.Equal(t, "CD34", body.Data.Nodes[0].DeviceID)
	assert.True(t, body.Data.Nodes[0].Online)
	assert.False(t, body.Data.Nodes[1].Online)
}

func TestNodesDeltaAndFlat(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDevice("AB12", 42.36, -71.05, 1000)
	f.seedDevice("CD34", 42.37, -71.06, 2000)

	var flat struct {
		Data []nodeView `json:"data"`
	}
	code := f.getJSON(t, "/api/nodes?format=flat&mode=delta&updated_since=1500", &flat)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, flat.Data, 1)
	assert.Equal(t, "CD34", flat.Data[0].DeviceID)
}

func TestNodesDeltaISOTimestamp(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDevice("AB12", 42.36, -71.05, 1000)
	f.seedDevice("CD34", 42.37, -71.06, 2000)

	var flat struct {
		Data []nodeView `json:"data"`
	}
	code := f.getJSON(t, "/api/nodes?format=flat&mode=delta&updated_since=1970-01-01T00:25:00Z", &flat)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, flat.Data, 1)
	assert.Equal(t, "CD34", flat.Data[0].DeviceID)
}

func TestPeersEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDevice("AA00", 42.36, -71.05, 1000)
	f.seedDevice("BB11", 42.37, -71.06, 1000)
	f.store.SetName("BB11", "hilltop relay")

	route := topology.Route{
		ID:        "r1",
		Points:    [][2]float64{{42.36, -71.05}, {42.37, -71.06}},
		PointIDs:  []string{"AA00", "BB11"},
		RouteMode: "path",
		Ts:        1000,
	}
	f.store.RecordHistorySegments(route, 1000)
	f.store.RecordHistorySegments(route, 1001)

	var body struct {
		DeviceID string     `json:"device_id"`
		Peers    []peerView `json:"peers"`
	}
	code := f.getJSON(t, "/peers/AA00", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AA00", body.DeviceID)
	require.Len(t, body.Peers, 1)
	assert.Equal(t, "BB11", body.Peers[0].DeviceID)
	assert.Equal(t, 2, body.Peers[0].Count)
	// Lowercase stored names are tidied for display.
	assert.Equal(t, "Hilltop Relay", body.Peers[0].Name)
}

func TestProdModeAuth(t *testing.T) {
	testCases := []struct {
		name     string
		env      map[string]string
		path     string
		wantCode int
	}{
		{
			name:     "no_token_configured",
			env:      map[string]string{"PROD_MODE": "true"},
			path:     "/api/nodes",
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "wrong_token",
			env:      map[string]string{"PROD_MODE": "true", "PROD_TOKEN": "secret"},
			path:     "/api/nodes?token=wrong",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "query_token",
			env:      map[string]string{"PROD_MODE": "true", "PROD_TOKEN": "secret"},
			path:     "/api/nodes?token=secret",
			wantCode: http.StatusOK,
		},
		{
			name:     "debug_hidden",
			env:      map[string]string{"PROD_MODE": "true", "PROD_TOKEN": "secret"},
			path:     "/debug/last",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "debug_with_token",
			env:      map[string]string{"PROD_MODE": "true", "PROD_TOKEN": "secret"},
			path:     "/debug/last?access_token=secret",
			wantCode: http.StatusOK,
		},
		{
			name:     "dev_mode_open",
			env:      nil,
			path:     "/api/nodes",
			wantCode: http.StatusOK,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.env)
			assert.Equal(t, tc.wantCode, f.getJSON(t, tc.path, nil))
		})
	}
}

func TestBearerHeaderAuth(t *testing.T) {
	f := newFixture(t, map[string]string{"PROD_MODE": "true", "PROD_TOKEN": "secret"})

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/nodes", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsReducedInProd(t *testing.T) {
	f := newFixture(t, map[string]string{"PROD_MODE": "true", "PROD_TOKEN": "secret"})
	f.seedDevice("AB12", 42.36, -71.05, 1000)

	var reduced map[string]any
	require.Equal(t, http.StatusOK, f.getJSON(t, "/stats", &reduced))
	assert.Equal(t, 1.0, reduced["devices"])
	assert.NotContains(t, reduced, "results")
	assert.NotContains(t, reduced, "topics_top")

	var full map[string]any
	require.Equal(t, http.StatusOK, f.getJSON(t, "/stats?token=secret", &full))
	assert.Contains(t, full, "results")
	assert.Contains(t, full, "decoder")
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDevice("AB12", 42.36, -71.05, 1000)

	var body map[string]any
	require.Equal(t, http.StatusOK, f.getJSON(t, "/snapshot", &body))

	devices, ok := body["devices"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, devices, "AB12")
	assert.Contains(t, body, "history_window_seconds")
	assert.Equal(t, 1700000000.0, body["server_time"])
}

func TestCoverageUnconfigured(t *testing.T) {
	f := newFixture(t, nil)

	var body map[string]any
	require.Equal(t, http.StatusOK, f.getJSON(t, "/coverage", &body))
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "coverage_api_unconfigured", body["error"])
}

func TestCoverageProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "zoom=10", r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"tiles":3}`)
	}))
	defer upstream.Close()

	f := newFixture(t, map[string]string{"COVERAGE_API_URL": upstream.URL})

	var body map[string]any
	require.Equal(t, http.StatusOK, f.getJSON(t, "/coverage?zoom=10", &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 3.0, body["tiles"])
}

func TestCoverageUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	f := newFixture(t, map[string]string{"COVERAGE_API_URL": upstream.URL})

	var body map[string]any
	require.Equal(t, http.StatusOK, f.getJSON(t, "/coverage", &body))
	assert.Equal(t, false, body["ok"])
	assert.True(t, strings.HasPrefix(body["error"].(string), "coverage_api_error"))
}

func TestWebSocketSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDevice("AB12", 42.36, -71.05, 1000)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot map[string]any
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "snapshot", snapshot["type"])
	devices, ok := snapshot["devices"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, devices, "AB12")

	// Registered subscribers receive broadcasts.
	f.hub.Broadcast(map[string]string{"type": "ping"})
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ping", msg["type"])
}

func TestWebSocketUnauthorizedCloses(t *testing.T) {
	f := newFixture(t, map[string]string{"PROD_MODE": "true", "PROD_TOKEN": "secret"})

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, 0, f.hub.Count())
}

func TestDebugEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.stats.AddDebug(ingest.DebugEntry{Ts: 1000, Topic: "meshcore/a/b/c", Result: "no_coords"})
	f.stats.AddStatus(ingest.StatusEntry{Ts: 1000, Topic: "meshcore/a/b/status", Name: "Hilltop"})

	var last struct {
		Entries []ingest.DebugEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/debug/last", &last))
	require.Len(t, last.Entries, 1)
	assert.Equal(t, "no_coords", last.Entries[0].Result)

	var status struct {
		Entries []ingest.StatusEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/debug/status", &status))
	require.Len(t, status.Entries, 1)
	assert.Equal(t, "Hilltop", status.Entries[0].Name)
}

func TestManifestAndServiceWorker(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/manifest.webmanifest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "application/manifest+json", resp.Header.Get("Content-Type"))

	resp, err = http.Get(f.server.URL + "/sw.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
}
