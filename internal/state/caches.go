package state

import (
	"fmt"
	"time"
)

// Coordinate is a latitude/longitude pair in decimal degrees
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Caches bundles the latest-state holders shared by the session and the
// submission pipeline
type Caches struct {
	RawLocation        *Holder[Coordinate]
	NormalizedLocation *Holder[Coordinate]
	ProcessedDistance  *Holder[float64]
	Elapsed            *Holder[time.Duration]
}

// NewCaches creates empty holders
func NewCaches() *Caches {
	return &Caches{
		RawLocation:        NewHolder[Coordinate](),
		NormalizedLocation: NewHolder[Coordinate](),
		ProcessedDistance:  NewHolder[float64](),
		Elapsed:            NewHolder[time.Duration](),
	}
}

// ResetLocations empties the raw, normalized and distance holders
func (c *Caches) ResetLocations() {
	c.RawLocation.Reset()
	c.NormalizedLocation.Reset()
	c.ProcessedDistance.Reset()
}

// Snapshot is a point-in-time copy of every holder
type Snapshot struct {
	RawLocation        *Coordinate `json:"raw_location"`
	NormalizedLocation *Coordinate `json:"normalized_location"`
	ProcessedDistanceM *float64    `json:"processed_distance_m"`
	Elapsed            string      `json:"elapsed"`
}

// Snapshot copies the current value of every holder
func (c *Caches) Snapshot() Snapshot {
	var elapsed time.Duration
	if e := c.Elapsed.Get(); e != nil {
		elapsed = *e
	}

	return Snapshot{
		RawLocation:        c.RawLocation.Get(),
		NormalizedLocation: c.NormalizedLocation.Get(),
		ProcessedDistanceM: c.ProcessedDistance.Get(),
		Elapsed:            FormatElapsed(elapsed),
	}
}

// FormatElapsed renders a duration as HH:MM:SS
func FormatElapsed(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
