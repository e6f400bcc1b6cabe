package geo

import "fmt"

// Rect is an axis-aligned lon/lat rectangle, the working area a task edits.
type Rect struct {
	LonMin float64 `json:"lon_min"`
	LatMin float64 `json:"lat_min"`
	LonMax float64 `json:"lon_max"`
	LatMax float64 `json:"lat_max"`
}

// Validate rejects degenerate or out-of-range rectangles.
func (r Rect) Validate() error {
	if r.LonMin < -180 || r.LonMax > 180 || r.LatMin < -90 || r.LatMax > 90 {
		return fmt.Errorf("rect %v outside lon/lat bounds", r)
	}
	if r.LonMin >= r.LonMax || r.LatMin >= r.LatMax {
		return fmt.Errorf("rect %v is empty", r)
	}
	return nil
}

// Intersects reports whether two rectangles overlap by more than an edge.
func (r Rect) Intersects(o Rect) bool {
	return r.LonMin < o.LonMax && o.LonMin < r.LonMax &&
		r.LatMin < o.LatMax && o.LatMin < r.LatMax
}

func (r Rect) String() string {
	return fmt.Sprintf("[%g,%g..%g,%g]", r.LonMin, r.LatMin, r.LonMax, r.LatMax)
}
