package geo

import "math"

// DistanceM returns the great-circle distance in meters between two
// coordinates, haversine on a spherical Earth (mean radius 6371 km).
// Deterministic and symmetric; non-finite inputs propagate as NaN and
// are the caller's job to reject up front.
func DistanceM(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	la1 := lat1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(la1)*math.Cos(la2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// RoundM rounds a distance to two decimals for display.
func RoundM(m float64) float64 {
	return math.Round(m*100) / 100
}

// Finite reports whether every value is a finite number.
func Finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ValidLatLng reports whether the pair is finite and within range.
func ValidLatLng(lat, lng float64) bool {
	return Finite(lat, lng) && lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
