// Package geo holds the great-circle helpers used for geofence and ETA facts.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius.
const EarthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// ETASeconds converts a distance and a speed in km/h into whole seconds.
// It returns nil when the speed is zero or negative.
func ETASeconds(distanceM, speedKmh float64) *int64 {
	if speedKmh <= 0 {
		return nil
	}
	secs := int64(math.Round(distanceM / (speedKmh / 3.6)))
	return &secs
}

// Inside reports geofence containment; the boundary counts as inside.
func Inside(distanceM float64, radiusM int) bool {
	return distanceM <= float64(radiusM)
}
