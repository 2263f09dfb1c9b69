package progress

import (
	"route-tracker/internal/geo"
	"route-tracker/internal/route"
)

// Hysteresis margins: a waypoint outside the in-sequence window only wins
// when it is closer by at least both of these.
const (
	switchMarginMeters = 30.0
	switchMarginRatio  = 0.1
)

// Nearest is the resolved nearest waypoint for a position. Distance and
// Bearing are measured from the position to the waypoint.
type Nearest struct {
	Index    int
	Distance float64
	Bearing  float64
	Waypoint route.Waypoint
}

// Resolve finds the waypoint nearest to pos. When last is set, waypoints
// within one index of it are preferred over geometrically closer ones
// elsewhere on the track, which keeps self-crossing routes from jumping.
// ok is false for an empty track.
func Resolve(track []route.Waypoint, pos geo.Coordinate, last *int) (Nearest, bool) {
	var inSeq, others []int
	for i := range track {
		if last != nil && abs(i-*last) <= 1 {
			inSeq = append(inSeq, i)
		} else {
			others = append(others, i)
		}
	}

	nearestOther, otherOK := nearestOf(track, pos, others)
	if len(inSeq) == 0 {
		return nearestOther, otherOK
	}
	nearestSeq, _ := nearestOf(track, pos, inSeq)
	if !otherOK {
		return nearestSeq, true
	}

	if nearestSeq.Distance < nearestOther.Distance {
		return nearestSeq, true
	}
	diff := nearestSeq.Distance - nearestOther.Distance
	if diff < switchMarginMeters {
		return nearestSeq, true
	}
	if diff/nearestSeq.Distance < switchMarginRatio {
		return nearestSeq, true
	}
	// Shortcut or crossing: trust geometry.
	return nearestOther, true
}

// nearestOf returns the closest of the given indices; ties keep the first.
func nearestOf(track []route.Waypoint, pos geo.Coordinate, indices []int) (Nearest, bool) {
	best := Nearest{Index: -1}
	for _, i := range indices {
		v := geo.DistanceAndBearing(pos, track[i].Coordinate)
		if best.Index < 0 || v.Distance < best.Distance {
			best = Nearest{Index: i, Distance: v.Distance, Bearing: v.Bearing, Waypoint: track[i]}
		}
	}
	return best, best.Index >= 0
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
