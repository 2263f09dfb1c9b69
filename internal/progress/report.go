package progress

// Report is what the display shows. The four progress fields are nil
// together exactly when no usable route is active.
type Report struct {
	RouteName    *string `json:"route"`
	DistanceToGo *string `json:"dtg"`
	TimeToGo     *string `json:"ttg"`
	ETA          *string `json:"eta"`
	Pace         float64 `json:"pace"`
}

// Empty reports whether this is the "no route" report.
func (r Report) Empty() bool {
	return r.RouteName == nil && r.DistanceToGo == nil && r.TimeToGo == nil && r.ETA == nil
}

func strPtr(s string) *string { return &s }
