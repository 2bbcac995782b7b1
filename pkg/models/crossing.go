package models

import (
	"time"
)

// Crossing is a lap reported to the relay by a detector.
type Crossing struct {
	ID           string    `json:"id" yaml:"id"`
	Lane         Lane      `json:"lane" yaml:"lane"`
	ReportedTime string    `json:"reported_time,omitempty" yaml:"reported_time,omitempty"` // as sent by the detector
	ReceivedAt   time.Time `json:"received_at" yaml:"received_at"`
	Images       []string  `json:"images,omitempty" yaml:"images,omitempty"`
	Source       string    `json:"source,omitempty" yaml:"source,omitempty"`
}

// CrossingFilter narrows a crossing listing.
type CrossingFilter struct {
	Lane  Lane // zero means every lane
	Limit int  // zero means no limit
}

// Matches reports whether c passes the lane filter.
func (f CrossingFilter) Matches(c *Crossing) bool {
	return f.Lane == 0 || c.Lane == f.Lane
}
