package route

import (
	"encoding/json"

	"route-tracker/internal/geo"
)

// Derived is a lazily computed waypoint value: either unset or computed.
type Derived struct {
	value float64
	set   bool
}

// Computed returns a Derived holding v.
func Computed(v float64) Derived { return Derived{value: v, set: true} }

// Get returns the value and whether it has been computed.
func (d Derived) Get() (float64, bool) { return d.value, d.set }

// IsSet reports whether the value has been computed.
func (d Derived) IsSet() bool { return d.set }

func (d Derived) ptr() *float64 {
	if !d.set {
		return nil
	}
	v := d.value
	return &v
}

func derivedFrom(p *float64) Derived {
	if p == nil {
		return Derived{}
	}
	return Computed(*p)
}

// Waypoint is one point of the route track plus its cached geometry.
type Waypoint struct {
	geo.Coordinate
	DistanceToNext    Derived // meters to the following waypoint
	BearingToNext     Derived // degrees to the following waypoint
	RemainingDistance Derived // meters from here to the final waypoint along the track
}

type waypointJSON struct {
	Lat               float64  `json:"lat"`
	Lon               float64  `json:"lon"`
	DistanceToNext    *float64 `json:"distanceToNext,omitempty"`
	BearingToNext     *float64 `json:"bearingToNext,omitempty"`
	RemainingDistance *float64 `json:"remainingDistance,omitempty"`
}

func (w Waypoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(waypointJSON{
		Lat:               w.Lat,
		Lon:               w.Lon,
		DistanceToNext:    w.DistanceToNext.ptr(),
		BearingToNext:     w.BearingToNext.ptr(),
		RemainingDistance: w.RemainingDistance.ptr(),
	})
}

func (w *Waypoint) UnmarshalJSON(b []byte) error {
	var j waypointJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*w = Waypoint{
		Coordinate:        geo.Coordinate{Lat: j.Lat, Lon: j.Lon},
		DistanceToNext:    derivedFrom(j.DistanceToNext),
		BearingToNext:     derivedFrom(j.BearingToNext),
		RemainingDistance: derivedFrom(j.RemainingDistance),
	}
	return nil
}

// Route is an ordered, linear sequence of waypoints with an optional name.
type Route struct {
	Name  *string    `json:"name"`
	Track []Waypoint `json:"track"`
}

// Empty reports whether the route has no points and cannot be progressed.
func (r *Route) Empty() bool { return r == nil || len(r.Track) < 1 }

// Last returns the index of the final waypoint, or -1 for an empty route.
func (r *Route) Last() int {
	if r == nil {
		return -1
	}
	return len(r.Track) - 1
}

// DisplayName returns the route name or "(unnamed)".
func (r *Route) DisplayName() string {
	if r == nil || r.Name == nil || *r.Name == "" {
		return "(unnamed)"
	}
	return *r.Name
}
