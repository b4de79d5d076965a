// Package store defines the point buffer used to hold location samples between
// a collection session and its submission, with an in-memory implementation.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store is closed")

// Point is a persisted location sample
type Point struct {
	ID        int64   `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// Timestamp is epoch milliseconds
	Timestamp int64 `json:"timestamp"`
}

// PointStore is an ordered append-only buffer of location samples.
// Every operation is atomic with respect to the caller.
type PointStore interface {
	// Insert appends a point and returns it with its assigned ID
	Insert(ctx context.Context, p Point) (Point, error)
	// GetAll returns every point ordered by timestamp ascending
	GetAll(ctx context.Context) ([]Point, error)
	// GetLatest returns the most recent point, or nil when the store is empty
	GetLatest(ctx context.Context) (*Point, error)
	// Clear deletes every point
	Clear(ctx context.Context) error
	// Count returns the number of buffered points
	Count(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
