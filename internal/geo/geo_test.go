package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		name    string
		lat     float64
		lon     float64
		wantLat float64
		wantLon float64
		wantOK  bool
	}{
		{
			name:    "already_valid",
			lat:     42.36,
			lon:     -71.06,
			wantLat: 42.36,
			wantLon: -71.06,
			wantOK:  true,
		},
		{
			name:    "scaled_1e7",
			lat:     423601000,
			lon:     -710589000,
			wantLat: 42.3601,
			wantLon: -71.0589,
			wantOK:  true,
		},
		{
			// 1e7 is tried first, so the smaller magnitude wins even though
			// a 1e6 divisor would also land in range.
			name:    "smallest_valid_scaling_wins",
			lat:     42360100,
			lon:     -71058900,
			wantLat: 4.23601,
			wantLon: -7.10589,
			wantOK:  true,
		},
		{
			name:   "unscalable",
			lat:    1e12,
			lon:    1e12,
			wantOK: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			lat, lon, ok := Normalize(tc.lat, tc.lon)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.InDelta(t, tc.wantLat, lat, 1e-9)
				assert.InDelta(t, tc.wantLon, lon, 1e-9)
			}
		})
	}
}

func TestHaversineM(t *testing.T) {
	// Boston to New York is roughly 306 km.
	d := HaversineM(42.3601, -71.0589, 40.7128, -74.0060)
	assert.InDelta(t, 306000, d, 5000)
}

func TestWithinRadius(t *testing.T) {
	testCases := []struct {
		name     string
		radiusKM float64
		lat      float64
		lon      float64
		want     bool
	}{
		{
			name:     "zero_radius_passes_everything",
			radiusKM: 0,
			lat:      -33.87,
			lon:      151.21,
			want:     true,
		},
		{
			name:     "inside",
			radiusKM: 50,
			lat:      42.40,
			lon:      -71.10,
			want:     true,
		},
		{
			name:     "outside",
			radiusKM: 50,
			lat:      40.7128,
			lon:      -74.0060,
			want:     false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, WithinRadius(42.3601, -71.0589, tc.radiusKM, tc.lat, tc.lon))
		})
	}
}

func TestZero(t *testing.T) {
	assert.True(t, Zero(0, 0))
	assert.True(t, Zero(1e-7, -1e-7))
	assert.False(t, Zero(0.001, 0))
}
