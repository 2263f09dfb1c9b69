package route

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tkrajina/gpxgo/gpx"

	"route-tracker/internal/geo"
)

// ErrNoRoute is returned when route text yields no usable track points.
var ErrNoRoute = errors.New("no route found")

var (
	nameRe  = regexp.MustCompile(`<name>(.*?)</name>`)
	trkptRe = regexp.MustCompile(`<trkpt\s+lat="(-?[0-9.]+)"\s+lon="(-?[0-9.]+)"\s*/>`)

	entityReplacer = strings.NewReplacer("&gt;", ">", "&lt;", "<")
)

// Parse extracts the route name and self-closing trkpt elements from a
// GPX-like text, which may be HTML-escaped. Unparsable points are skipped.
// The returned route carries no derived fields; see Precompute.
func Parse(text string) (*Route, error) {
	text = entityReplacer.Replace(text)

	r := &Route{}
	if m := nameRe.FindStringSubmatch(text); len(m) > 1 && m[1] != "" {
		name := m[1]
		r.Name = &name
	}
	for _, m := range trkptRe.FindAllStringSubmatch(text, -1) {
		if len(m) < 3 {
			continue
		}
		lat, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		r.Track = append(r.Track, Waypoint{Coordinate: geo.Coordinate{Lat: lat, Lon: lon}})
	}
	if len(r.Track) == 0 {
		return nil, ErrNoRoute
	}
	return r, nil
}

// LooksLikeGPX reports whether text appears to be a full GPX document.
func LooksLikeGPX(text string) bool {
	return strings.Contains(entityReplacer.Replace(text), "<gpx")
}

// DecodeGPX decodes a well-formed GPX document. Track points are used when
// present, otherwise route points.
func DecodeGPX(data []byte) (*Route, error) {
	data = []byte(entityReplacer.Replace(string(data)))
	g, err := gpx.ParseBytes(bytes.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("decode gpx: %w", err)
	}
	r := &Route{}
	name := g.Name
	for _, t := range g.Tracks {
		if name == "" {
			name = t.Name
		}
		for _, s := range t.Segments {
			for _, p := range s.Points {
				r.Track = append(r.Track, Waypoint{Coordinate: geo.Coordinate{Lat: p.Latitude, Lon: p.Longitude}})
			}
		}
	}
	if len(r.Track) == 0 {
		for _, rt := range g.Routes {
			if name == "" {
				name = rt.Name
			}
			for _, p := range rt.Points {
				r.Track = append(r.Track, Waypoint{Coordinate: geo.Coordinate{Lat: p.Latitude, Lon: p.Longitude}})
			}
		}
	}
	if name != "" {
		r.Name = &name
	}
	if len(r.Track) == 0 {
		return nil, ErrNoRoute
	}
	return r, nil
}

// Load parses route text, falling back to strict GPX decoding for documents
// whose points carry child elements, and precomputes the result.
func Load(text string) (*Route, error) {
	r, err := Parse(text)
	if errors.Is(err, ErrNoRoute) && LooksLikeGPX(text) {
		r, err = DecodeGPX([]byte(text))
	}
	if err != nil {
		return nil, err
	}
	Precompute(r)
	return r, nil
}
