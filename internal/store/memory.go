package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is a PointStore held in process memory
type Memory struct {
	mu     sync.RWMutex
	points []Point
	nextID int64
	closed bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{nextID: 1}
}

// Insert appends a point and assigns the next sequence number
func (m *Memory) Insert(_ context.Context, p Point) (Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Point{}, ErrClosed
	}

	p.ID = m.nextID
	m.nextID++
	m.points = append(m.points, p)

	return p, nil
}

// GetAll returns a copy of all points ordered by timestamp, then ID
func (m *Memory) GetAll(_ context.Context) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	points := make([]Point, len(m.points))
	copy(points, m.points)
	SortByTimestamp(points)

	return points, nil
}

// GetLatest returns the point with the greatest timestamp
func (m *Memory) GetLatest(_ context.Context) (*Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	if len(m.points) == 0 {
		return nil, nil
	}

	latest := m.points[0]
	for _, p := range m.points[1:] {
		if p.Timestamp > latest.Timestamp || (p.Timestamp == latest.Timestamp && p.ID > latest.ID) {
			latest = p
		}
	}

	return &latest, nil
}

// Clear removes every point. IDs keep increasing across clears.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.points = nil

	return nil
}

// Count returns the number of buffered points
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}

	return len(m.points), nil
}

// HealthCheck reports whether the store is usable
func (m *Memory) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// SortByTimestamp orders points by timestamp ascending, ties broken by ID
func SortByTimestamp(points []Point) {
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Timestamp != points[j].Timestamp {
			return points[i].Timestamp < points[j].Timestamp
		}
		return points[i].ID < points[j].ID
	})
}
