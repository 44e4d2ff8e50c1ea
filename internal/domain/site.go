package domain

import "fmt"

// Coordinate is a 1-based die position on the wafer grid.
type Coordinate struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("R%dC%d", c.Row, c.Col)
}

// Less orders coordinates row-major.
func (c Coordinate) Less(o Coordinate) bool {
	if c.Row != o.Row {
		return c.Row < o.Row
	}
	return c.Col < o.Col
}

// SiteID identifies one logical probe slot. It is never reused; retests of the
// same die receive fresh ids bound to the same Coordinate.
type SiteID uint64

// Assignment binds a SiteID to the die it probes.
type Assignment struct {
	SiteID     SiteID     `json:"site_id"`
	Coordinate Coordinate `json:"coordinate"`
	Retest     bool       `json:"retest,omitempty"`
}
