package session

import (
	"context"

	"github.com/stuartshay/path-worker/internal/state"
)

// FixNormalizer maps a raw fix to the coordinate that gets persisted.
// matched is false when the fix has no normalized counterpart.
type FixNormalizer interface {
	Normalize(ctx context.Context, lat, lng float64) (coord state.Coordinate, matched bool, err error)
}

// IdentityNormalizer persists raw fixes unchanged
type IdentityNormalizer struct{}

// Normalize returns the raw coordinate
func (IdentityNormalizer) Normalize(_ context.Context, lat, lng float64) (state.Coordinate, bool, error) {
	return state.Coordinate{Latitude: lat, Longitude: lng}, true, nil
}

// dedupeTracker remembers the last persisted coordinate of one collection run
type dedupeTracker struct {
	last *state.Coordinate
}

// shouldPersist reports whether c differs exactly from the last saved coordinate
func (d *dedupeTracker) shouldPersist(c state.Coordinate) bool {
	return d.last == nil || *d.last != c
}

func (d *dedupeTracker) saved(c state.Coordinate) {
	d.last = &c
}

func (d *dedupeTracker) reset() {
	d.last = nil
}
