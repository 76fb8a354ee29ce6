// README: Geographic coordinate value object.
package types

import "fmt"

type Point struct {
	Lat float64
	Lng float64
}

// Validate rejects coordinates outside the WGS84 range. Call it once at
// the construction boundary; downstream code may assume a valid point.
func (p Point) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %.6f out of range", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %.6f out of range", p.Lng)
	}
	return nil
}
