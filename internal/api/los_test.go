package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// elevationServer answers opentopodata-style queries with elevations computed
// per sample index.
func elevationServer(t *testing.T, elevationAt func(i, n int) float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locations := strings.Split(r.URL.Query().Get("locations"), "|")
		n := len(locations)
		var results []string
		for i := 0; i < n; i++ {
			results = append(results, fmt.Sprintf(`{"elevation":%g}`, elevationAt(i, n)))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"results":[%s]}`, strings.Join(results, ","))
	}))
}

func TestLOSClearPath(t *testing.T) {
	upstream := elevationServer(t, func(i, n int) float64 { return 10 })
	defer upstream.Close()

	f := newFixture(t, map[string]string{"LOS_ELEVATION_URL": upstream.URL})

	var body struct {
		OK        bool        `json:"ok"`
		Clear     bool        `json:"clear"`
		DistanceM float64     `json:"distance_m"`
		Samples   []losSample `json:"samples"`
		Peaks     []losPeak   `json:"peaks"`
	}
	code := f.getJSON(t, "/los?lat1=42.36&lon1=-71.05&lat2=42.40&lon2=-71.10&profile=1", &body)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.OK)
	assert.True(t, body.Clear)
	assert.Greater(t, body.DistanceM, 1000.0)
	assert.NotEmpty(t, body.Samples)
	assert.Empty(t, body.Peaks)
}

func TestLOSProfileOptIn(t *testing.T) {
	upstream := elevationServer(t, func(i, n int) float64 { return 10 })
	defer upstream.Close()

	f := newFixture(t, map[string]string{"LOS_ELEVATION_URL": upstream.URL})

	// Without profile the terrain samples stay out of the response.
	var body map[string]any
	require.Equal(t, http.StatusOK, f.getJSON(t, "/los?lat1=42.36&lon1=-71.05&lat2=42.40&lon2=-71.10", &body))
	assert.Equal(t, true, body["ok"])
	_, present := body["samples"]
	assert.False(t, present)
}

func TestLOSObstructedPath(t *testing.T) {
	upstream := elevationServer(t, func(i, n int) float64 {
		if i == n/2 {
			return 500
		}
		return 10
	})
	defer upstream.Close()

	f := newFixture(t, map[string]string{"LOS_ELEVATION_URL": upstream.URL})

	var body struct {
		OK         bool               `json:"ok"`
		Clear      bool               `json:"clear"`
		Peaks      []losPeak          `json:"peaks"`
		Suggestion map[string]float64 `json:"suggestion"`
	}
	code := f.getJSON(t, "/los?lat1=42.36&lon1=-71.05&lat2=42.40&lon2=-71.10", &body)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.OK)
	assert.False(t, body.Clear)
	require.NotEmpty(t, body.Peaks)
	assert.InDelta(t, 488, body.Peaks[0].DeficitM, 5)
	require.NotNil(t, body.Suggestion)
	assert.Greater(t, body.Suggestion["raise_m"], 400.0)
}

func TestLOSInvalidCoordinates(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/los?lat1=999&lon1=0&lat2=42&lon2=-71", nil))
}

func TestLOSElevationCache(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		n := len(strings.Split(r.URL.Query().Get("locations"), "|"))
		var results []string
		for i := 0; i < n; i++ {
			results = append(results, `{"elevation":10}`)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"results":[%s]}`, strings.Join(results, ","))
	}))
	defer upstream.Close()

	f := newFixture(t, map[string]string{"LOS_ELEVATION_URL": upstream.URL})

	path := "/los?lat1=42.36&lon1=-71.05&lat2=42.40&lon2=-71.10"
	require.Equal(t, http.StatusOK, f.getJSON(t, path, nil))
	require.Equal(t, http.StatusOK, f.getJSON(t, path, nil))

	// The second identical query is served entirely from the cache.
	assert.Equal(t, 1, calls)
}

func TestLOSElevationFetchFailed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	f := newFixture(t, map[string]string{"LOS_ELEVATION_URL": upstream.URL})

	var body map[string]any
	require.Equal(t, http.StatusOK, f.getJSON(t, "/los?lat1=42.36&lon1=-71.05&lat2=42.40&lon2=-71.10", &body))
	assert.Equal(t, false, body["ok"])
	assert.True(t, strings.HasPrefix(body["error"].(string), "elevation_fetch_failed"))
}
