package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"route-tracker/internal/route"
)

func encodeRoute(r *route.Route) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func decodeRoute(b []byte) (*route.Route, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var r route.Route
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode stored route: %w", err)
	}
	if r.Empty() {
		return nil, nil
	}
	return &r, nil
}

// decodeCursor accepts a JSON number or a quoted integer, as older state
// kept the index as a string.
func decodeCursor(b []byte) (*int, error) {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("decode stored waypoint index %q: %w", s, err)
	}
	return &v, nil
}

// paceSetting mirrors the settings-page select value: {"values":[{"name":"10.5"}]}.
type paceSetting struct {
	Values []struct {
		Name string `json:"name"`
	} `json:"values"`
}

func encodePace(p float64) ([]byte, error) {
	var s paceSetting
	s.Values = append(s.Values, struct {
		Name string `json:"name"`
	}{Name: strconv.FormatFloat(p, 'f', -1, 64)})
	return json.Marshal(s)
}

// decodePace reads either a bare number or the settings select shape.
func decodePace(b []byte) (float64, bool, error) {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		return f, true, nil
	}
	var s paceSetting
	if err := json.Unmarshal(b, &s); err != nil {
		return 0, false, fmt.Errorf("decode stored pace: %w", err)
	}
	if len(s.Values) == 0 || s.Values[0].Name == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(s.Values[0].Name, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode stored pace %q: %w", s.Values[0].Name, err)
	}
	return f, true, nil
}
