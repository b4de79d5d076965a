package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_InsertAssignsIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.Insert(ctx, Point{Latitude: 35.0, Longitude: 139.0, Timestamp: 1000})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	second, err := m.Insert(ctx, Point{Latitude: 35.1, Longitude: 139.1, Timestamp: 2000})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("expected IDs 1 and 2, got %d and %d", first.ID, second.ID)
	}
}

func TestMemory_GetAllOrdersByTimestamp(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _ = m.Insert(ctx, Point{Latitude: 1, Timestamp: 3000})
	_, _ = m.Insert(ctx, Point{Latitude: 2, Timestamp: 1000})
	_, _ = m.Insert(ctx, Point{Latitude: 3, Timestamp: 2000})
	_, _ = m.Insert(ctx, Point{Latitude: 4, Timestamp: 2000})

	points, err := m.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}

	expected := []float64{2, 3, 4, 1}
	if len(points) != len(expected) {
		t.Fatalf("expected %d points, got %d", len(expected), len(points))
	}
	for i, lat := range expected {
		if points[i].Latitude != lat {
			t.Errorf("position %d: expected latitude %.0f, got %.0f", i, lat, points[i].Latitude)
		}
	}
}

func TestMemory_GetAllReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.Insert(ctx, Point{Latitude: 1, Timestamp: 1})

	points, _ := m.GetAll(ctx)
	points[0].Latitude = 99

	again, _ := m.GetAll(ctx)
	if again[0].Latitude != 1 {
		t.Errorf("expected stored point to be unchanged, got latitude %.0f", again[0].Latitude)
	}
}

func TestMemory_GetLatest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	latest, err := m.GetLatest(ctx)
	if err != nil {
		t.Fatalf("GetLatest() failed: %v", err)
	}
	if latest != nil {
		t.Errorf("expected nil for empty store, got %+v", latest)
	}

	_, _ = m.Insert(ctx, Point{Latitude: 1, Timestamp: 1000})
	_, _ = m.Insert(ctx, Point{Latitude: 2, Timestamp: 5000})
	_, _ = m.Insert(ctx, Point{Latitude: 3, Timestamp: 3000})

	latest, err = m.GetLatest(ctx)
	if err != nil {
		t.Fatalf("GetLatest() failed: %v", err)
	}
	if latest == nil || latest.Latitude != 2 {
		t.Errorf("expected latest latitude 2, got %+v", latest)
	}
}

func TestMemory_Clear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _ = m.Insert(ctx, Point{Timestamp: 1})
	_, _ = m.Insert(ctx, Point{Timestamp: 2})

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}

	count, _ := m.Count(ctx)
	if count != 0 {
		t.Errorf("expected 0 points after Clear, got %d", count)
	}

	p, _ := m.Insert(ctx, Point{Timestamp: 3})
	if p.ID != 3 {
		t.Errorf("expected IDs to keep increasing after Clear, got %d", p.ID)
	}
}

func TestMemory_Closed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := m.Insert(ctx, Point{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Insert, got %v", err)
	}
	if err := m.HealthCheck(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from HealthCheck, got %v", err)
	}
}
