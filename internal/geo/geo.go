// Package geo holds the spherical-earth helpers used for route progress:
// great-circle distance, initial bearing and bearing comparison.
package geo

import (
	"math"

	"github.com/umahmood/haversine"
)

// EarthRadiusMeters is the mean earth radius the distance math assumes.
const EarthRadiusMeters = 6371000.0

// Coordinate is a latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Vector is the great-circle distance (meters) and initial bearing
// (degrees, [0,360)) from one coordinate to another.
type Vector struct {
	Distance float64
	Bearing  float64
}

// DistanceAndBearing returns the haversine distance and forward azimuth from a to b.
// Inputs are not validated; NaN propagates.
func DistanceAndBearing(a, b Coordinate) Vector {
	_, km := haversine.Distance(
		haversine.Coord{Lat: a.Lat, Lon: a.Lon},
		haversine.Coord{Lat: b.Lat, Lon: b.Lon},
	)
	return Vector{Distance: km * 1000, Bearing: bearingDeg(a, b)}
}

// Distance is DistanceAndBearing without the bearing.
func Distance(a, b Coordinate) float64 {
	return DistanceAndBearing(a, b).Distance
}

func bearingDeg(a, b Coordinate) float64 {
	phi1 := toRad(a.Lat)
	phi2 := toRad(b.Lat)
	dLambda := toRad(b.Lon - a.Lon)
	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	return math.Mod(brng+360, 360)
}

// AbsBearingDifference is the smallest angle between two bearings, in [0,180].
func AbsBearingDifference(b1, b2 float64) float64 {
	d := math.Abs(b1 - b2)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Reverse turns a bearing around: (b+180) mod 360.
func Reverse(b float64) float64 {
	return math.Mod(b+180, 360)
}

func toRad(d float64) float64 { return d * math.Pi / 180 }
