package route

import (
	"log"

	"route-tracker/internal/geo"
)

// Precompute fills DistanceToNext, BearingToNext and RemainingDistance for
// every waypoint, walking back from the end of the track. Routes with fewer
// than two points are left untouched. Running it again yields identical values.
func Precompute(r *Route) {
	if r == nil || len(r.Track) < 2 {
		return
	}
	n := len(r.Track)
	acc := 0.0
	r.Track[n-1].RemainingDistance = Computed(0)
	for i := n - 2; i >= 0; i-- {
		v := geo.DistanceAndBearing(r.Track[i].Coordinate, r.Track[i+1].Coordinate)
		acc += v.Distance
		r.Track[i].DistanceToNext = Computed(v.Distance)
		r.Track[i].BearingToNext = Computed(v.Bearing)
		r.Track[i].RemainingDistance = Computed(acc)
	}
}

// Precomputed reports whether every waypoint already carries its derived fields.
func (r *Route) Precomputed() bool {
	if r == nil || len(r.Track) < 2 {
		return true
	}
	for i, w := range r.Track {
		if !w.RemainingDistance.IsSet() {
			return false
		}
		if i < len(r.Track)-1 && (!w.DistanceToNext.IsSet() || !w.BearingToNext.IsSet()) {
			return false
		}
	}
	return true
}

// BearingToNext returns the bearing from waypoint i to waypoint i+1,
// computing and caching it when missing. ok is false for the last waypoint.
func (r *Route) BearingToNext(i int) (bearing float64, ok bool) {
	if i < 0 || i >= len(r.Track)-1 {
		return 0, false
	}
	if v, set := r.Track[i].BearingToNext.Get(); set {
		return v, true
	}
	log.Printf("no precalculated bearing for waypoint %d", i)
	r.fillSegment(i)
	v, _ := r.Track[i].BearingToNext.Get()
	return v, true
}

// DistanceToNext returns the segment length from waypoint i to i+1,
// computing and caching it when missing. ok is false for the last waypoint.
func (r *Route) DistanceToNext(i int) (meters float64, ok bool) {
	if i < 0 || i >= len(r.Track)-1 {
		return 0, false
	}
	if v, set := r.Track[i].DistanceToNext.Get(); set {
		return v, true
	}
	r.fillSegment(i)
	v, _ := r.Track[i].DistanceToNext.Get()
	return v, true
}

// RemainingDistance returns the along-track distance from waypoint i to the
// final waypoint. Missing values are summed from the end of the track in the
// same order Precompute uses and cached back.
func (r *Route) RemainingDistance(i int) float64 {
	if i < 0 || i >= len(r.Track) {
		return 0
	}
	if v, set := r.Track[i].RemainingDistance.Get(); set {
		return v
	}
	log.Printf("no precalculated remaining distance for waypoint %d", i)
	n := len(r.Track)
	acc := 0.0
	if v, set := r.Track[n-1].RemainingDistance.Get(); set {
		acc = v
	} else {
		r.Track[n-1].RemainingDistance = Computed(0)
	}
	for j := n - 2; j >= i; j-- {
		if v, set := r.Track[j].RemainingDistance.Get(); set {
			acc = v
			continue
		}
		d, _ := r.DistanceToNext(j)
		acc += d
		r.Track[j].RemainingDistance = Computed(acc)
	}
	return acc
}

func (r *Route) fillSegment(i int) {
	v := geo.DistanceAndBearing(r.Track[i].Coordinate, r.Track[i+1].Coordinate)
	r.Track[i].DistanceToNext = Computed(v.Distance)
	r.Track[i].BearingToNext = Computed(v.Bearing)
}
