// Package geo holds the coordinate math shared by the classifier, the
// topology store and the line-of-sight endpoint.
package geo

import "math"

const earthRadiusM = 6371000.0

// Valid reports whether a lat/lon pair is inside the WGS84 value range.
func Valid(lat, lon float64) bool {
	return lat >= -90.0 && lat <= 90.0 && lon >= -180.0 && lon <= 180.0
}

// Zero reports whether a pair is the (0,0) null island marker.
func Zero(lat, lon float64) bool {
	return math.Abs(lat) < 1e-6 && math.Abs(lon) < 1e-6
}

// Normalize accepts raw doubles in valid range, otherwise tries the fixed
// integer scalings used by mesh firmwares (1e7 down to 1e4). Returns ok=false
// when no scaling produces a valid pair.
func Normalize(lat, lon float64) (float64, float64, bool) {
	if Valid(lat, lon) {
		return lat, lon, true
	}
	for _, scale := range []float64{1e7, 1e6, 1e5, 1e4} {
		lat2 := lat / scale
		lon2 := lon / scale
		if Valid(lat2, lon2) {
			return lat2, lon2, true
		}
	}
	return 0, 0, false
}

// HaversineM returns the great-circle distance in meters on a 6371 km sphere.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dphi := (lat2 - lat1) * math.Pi / 180
	dlambda := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dphi/2)*math.Sin(dphi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dlambda/2)*math.Sin(dlambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// WithinRadius reports whether a point lies within radiusKM of the center.
// A zero radius disables filtering and always passes.
func WithinRadius(centerLat, centerLon, radiusKM, lat, lon float64) bool {
	if radiusKM <= 0 {
		return true
	}
	return HaversineM(centerLat, centerLon, lat, lon) <= radiusKM*1000.0
}
