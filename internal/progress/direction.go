package progress

import (
	"log"

	"route-tracker/internal/geo"
	"route-tracker/internal/route"
)

// closeRangeMeters is the distance under which bearings to the nearest
// waypoint are too unstable to use; the user is assumed to be past it.
const closeRangeMeters = 100.0

// ApproachingIndex picks the waypoint the user is heading for: the nearest
// one, or its successor when the user has already passed it.
func ApproachingIndex(r *route.Route, n Nearest) int {
	last := r.Last()
	switch {
	case n.Index == last:
		log.Printf("approaching final waypoint")
		return n.Index
	case n.Distance < closeRangeMeters:
		log.Printf("within %.0fm of waypoint %d", closeRangeMeters, n.Index)
		return n.Index + 1
	case n.Index == 0:
		toNext, _ := r.BearingToNext(0)
		// n.Bearing points from the user to waypoint 0. Facing along the
		// route means we have not reached it yet.
		if geo.AbsBearingDifference(toNext, n.Bearing) > 90 {
			log.Printf("leaving first waypoint")
			return 1
		}
		log.Printf("approaching first waypoint")
		return 0
	}

	toUser := geo.Reverse(n.Bearing)
	toNext, _ := r.BearingToNext(n.Index)
	prevToHere, _ := r.BearingToNext(n.Index - 1)
	toPrev := geo.Reverse(prevToHere)

	if geo.AbsBearingDifference(toNext, toUser) < geo.AbsBearingDifference(toPrev, toUser) {
		log.Printf("leaving waypoint %d", n.Index)
		return n.Index + 1
	}
	log.Printf("approaching waypoint %d", n.Index)
	return n.Index
}

// DistanceToGo is the straight-line distance from pos to the target
// waypoint plus the along-track distance from there to the end.
func DistanceToGo(r *route.Route, pos geo.Coordinate, target int) float64 {
	return geo.Distance(pos, r.Track[target].Coordinate) + r.RemainingDistance(target)
}
