package api

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/schema"

	"meshmap-go/internal/geo"
)

// elevChunkSize bounds locations per upstream elevation request.
const elevChunkSize = 100

type losRequest struct {
	Lat1    float64 `schema:"lat1"`
	Lon1    float64 `schema:"lon1"`
	Lat2    float64 `schema:"lat2"`
	Lon2    float64 `schema:"lon2"`
	H1      float64 `schema:"h1"`
	H2      float64 `schema:"h2"`
	Profile bool    `schema:"profile"`
}

type losSample struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	DistM     float64 `json:"dist_m"`
	Elevation float64 `json:"elevation"`
	LineM     float64 `json:"line_m"`
}

type losPeak struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	DistM     float64 `json:"dist_m"`
	Elevation float64 `json:"elevation"`
	DeficitM  float64 `json:"deficit_m"`
}

type elevEntry struct {
	value   float64
	expires time.Time
}

// losHandler analyzes terrain obstruction between two points: it samples the
// great-circle path, fetches elevations and compares the terrain against the
// straight antenna-to-antenna line.
func (s *Service) losHandler(w http.ResponseWriter, r *http.Request) {
	req := losRequest{H1: 2, H2: 2}
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	if err := dec.Decode(&req, r.URL.Query()); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Bad Request")
		return
	}
	if !geo.Valid(req.Lat1, req.Lon1) || !geo.Valid(req.Lat2, req.Lon2) {
		ErrorResponse(w, http.StatusBadRequest, "invalid coordinates")
		return
	}

	distM := geo.HaversineM(req.Lat1, req.Lon1, req.Lat2, req.Lon2)
	n := s.sampleCount(distM)

	points := make([][2]float64, 0, n)
	for i := 0; i < n; i++ {
		f := float64(i) / float64(n-1)
		points = append(points, [2]float64{
			req.Lat1 + (req.Lat2-req.Lat1)*f,
			req.Lon1 + (req.Lon2-req.Lon1)*f,
		})
	}

	elevations, err := s.elevationsFor(points)
	if err != nil {
		JSONResponse(w, http.StatusOK, map[string]any{"ok": false, "error": "elevation_fetch_failed: " + err.Error()})
		return
	}

	startM := elevations[0] + req.H1
	endM := elevations[len(elevations)-1] + req.H2

	samples := make([]losSample, 0, n)
	var peaks []losPeak
	maxDeficit := 0.0
	for i, p := range points {
		f := float64(i) / float64(n-1)
		line := startM + (endM-startM)*f
		sample := losSample{
			Lat:       p[0],
			Lon:       p[1],
			DistM:     distM * f,
			Elevation: elevations[i],
			LineM:     line,
		}
		samples = append(samples, sample)
		if i == 0 || i == n-1 {
			continue
		}
		if deficit := elevations[i] - line; deficit > 0 {
			if deficit > maxDeficit {
				maxDeficit = deficit
			}
			peaks = append(peaks, losPeak{
				Lat:       p[0],
				Lon:       p[1],
				DistM:     sample.DistM,
				Elevation: elevations[i],
				DeficitM:  deficit,
			})
		}
	}

	sort.Slice(peaks, func(i, j int) bool { return peaks[i].DeficitM > peaks[j].DeficitM })
	if max := s.cfg.LOSPeaksMax; len(peaks) > max {
		peaks = peaks[:max]
	}
	if peaks == nil {
		peaks = []losPeak{}
	}

	body := map[string]any{
		"ok":         true,
		"clear":      maxDeficit == 0,
		"distance_m": distM,
		"peaks":      peaks,
	}
	// The full terrain profile is heavy; clients opt in with profile=1.
	if req.Profile {
		body["samples"] = samples
	}
	if maxDeficit > 0 {
		// Raising both antennas by the worst deficit clears the line.
		body["suggestion"] = map[string]float64{
			"raise_m": math.Ceil(maxDeficit + 1),
		}
	}
	JSONResponse(w, http.StatusOK, body)
}

// sampleCount scales samples with distance, clamped to the configured range.
func (s *Service) sampleCount(distM float64) int {
	step := s.cfg.LOSSampleStepMeters
	if step <= 0 {
		step = 250
	}
	n := int(distM/float64(step)) + 2
	if n < s.cfg.LOSSampleMin {
		n = s.cfg.LOSSampleMin
	}
	if n > s.cfg.LOSSampleMax {
		n = s.cfg.LOSSampleMax
	}
	if n < 2 {
		n = 2
	}
	return n
}

// elevationsFor resolves elevations for the points, consulting the cache
// first and fetching misses in chunks.
func (s *Service) elevationsFor(points [][2]float64) ([]float64, error) {
	out := make([]float64, len(points))
	var missing []int

	s.elevMu.Lock()
	now := time.Now()
	for i, p := range points {
		if entry, ok := s.elevCache[elevKey(p)]; ok && now.Before(entry.expires) {
			out[i] = entry.value
		} else {
			missing = append(missing, i)
		}
	}
	s.elevMu.Unlock()

	for start := 0; start < len(missing); start += elevChunkSize {
		end := start + elevChunkSize
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		locs := make([]string, 0, len(chunk))
		for _, idx := range chunk {
			locs = append(locs, fmt.Sprintf("%.5f,%.5f", points[idx][0], points[idx][1]))
		}
		values, err := s.fetchElevations(locs)
		if err != nil {
			return nil, err
		}
		if len(values) != len(chunk) {
			return nil, fmt.Errorf("elevation count mismatch: got %d want %d", len(values), len(chunk))
		}

		s.elevMu.Lock()
		expires := time.Now().Add(s.cfg.ElevationCacheTTL)
		for j, idx := range chunk {
			out[idx] = values[j]
			s.elevCache[elevKey(points[idx])] = elevEntry{value: values[j], expires: expires}
		}
		s.elevMu.Unlock()
	}
	return out, nil
}

func (s *Service) fetchElevations(locations []string) ([]float64, error) {
	u := s.cfg.LOSElevationURL + "?locations=" + url.QueryEscape(strings.Join(locations, "|"))
	resp, err := s.client.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevation service returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var body struct {
		Results []struct {
			Elevation *float64 `json:"elevation"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(body.Results))
	for _, res := range body.Results {
		if res.Elevation == nil {
			return nil, fmt.Errorf("missing_elevation")
		}
		out = append(out, *res.Elevation)
	}
	return out, nil
}

func elevKey(p [2]float64) string {
	return fmt.Sprintf("%.5f,%.5f", p[0], p[1])
}
