// Package calculator provides GPS distance calculations using the Haversine formula
// to compute great-circle distances along an ordered path of coordinates.
package calculator

import (
	"math"
)

const (
	// EarthRadiusM is the Earth's radius in meters
	EarthRadiusM = 6371000.0
)

// Location represents a GPS coordinate
type Location struct {
	Latitude  float64
	Longitude float64
}

// Haversine calculates the great-circle distance in meters between two points
// on the Earth's surface given their latitudes and longitudes in decimal degrees
//
// Formula:
// a = sin²(Δφ/2) + cos φ1 ⋅ cos φ2 ⋅ sin²(Δλ/2)
// d = 2 ⋅ R ⋅ asin(√a)
//
// Inputs are not validated; NaN or out-of-range values yield whatever the formula yields.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := degreesToRadians(lat1)
	lat2Rad := degreesToRadians(lat2)

	deltaLat := degreesToRadians(lat2 - lat1)
	deltaLon := degreesToRadians(lon2 - lon1)

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	return 2 * EarthRadiusM * math.Asin(math.Sqrt(a))
}

// PathDistance returns the sum of the distances between consecutive locations,
// in input order. Fewer than two locations yield 0.
func PathDistance(locations []Location) float64 {
	if len(locations) < 2 {
		return 0.0
	}

	var total float64
	for i := 1; i < len(locations); i++ {
		prev, curr := locations[i-1], locations[i]
		total += Haversine(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
	}
	return total
}

// degreesToRadians converts degrees to radians
func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// PathMetrics holds segment statistics for an ordered path
type PathMetrics struct {
	TotalDistanceM float64
	MaxSegmentM    float64
	MinSegmentM    float64
	AvgSegmentM    float64
	TotalLocations int
}

// CalculateMetrics computes distance metrics for an ordered path
func CalculateMetrics(locations []Location) PathMetrics {
	metrics := PathMetrics{TotalLocations: len(locations)}
	if len(locations) < 2 {
		return metrics
	}

	metrics.MinSegmentM = math.MaxFloat64
	for i := 1; i < len(locations); i++ {
		prev, curr := locations[i-1], locations[i]
		segment := Haversine(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
		metrics.TotalDistanceM += segment

		if segment > metrics.MaxSegmentM {
			metrics.MaxSegmentM = segment
		}
		if segment < metrics.MinSegmentM {
			metrics.MinSegmentM = segment
		}
	}

	metrics.AvgSegmentM = metrics.TotalDistanceM / float64(len(locations)-1)

	return metrics
}
