package calculator

import (
	"math"
	"testing"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name      string
		lat1      float64
		lon1      float64
		lat2      float64
		lon2      float64
		expected  float64
		tolerance float64
	}{
		{
			name:      "Same location",
			lat1:      35.681236,
			lon1:      139.767125,
			lat2:      35.681236,
			lon2:      139.767125,
			expected:  0.0,
			tolerance: 0.001,
		},
		{
			name:      "Tokyo Station to Shinjuku Station (~6.2 km)",
			lat1:      35.681236,
			lon1:      139.767125,
			lat2:      35.690921,
			lon2:      139.700258,
			expected:  6150,
			tolerance: 200,
		},
		{
			name:      "New York to Boston (~306 km)",
			lat1:      40.7128,
			lon1:      -74.0060,
			lat2:      42.3601,
			lon2:      -71.0589,
			expected:  306000,
			tolerance: 5000,
		},
		{
			name:      "Equator crossing",
			lat1:      1.0,
			lon1:      0.0,
			lat2:      -1.0,
			lon2:      0.0,
			expected:  222390,
			tolerance: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(result-tt.expected) > tt.tolerance {
				t.Errorf("Haversine() = %.2f m, expected %.2f m (±%.2f m)", result, tt.expected, tt.tolerance)
			}
		})
	}
}

func TestPathDistance(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		if d := PathDistance(nil); d != 0.0 {
			t.Errorf("expected 0.0, got %f", d)
		}
	})

	t.Run("single point", func(t *testing.T) {
		if d := PathDistance([]Location{{Latitude: 35.0, Longitude: 139.0}}); d != 0.0 {
			t.Errorf("expected 0.0, got %f", d)
		}
	})

	t.Run("collinear points on a meridian", func(t *testing.T) {
		a := Location{Latitude: 10.0, Longitude: 20.0}
		b := Location{Latitude: 10.5, Longitude: 20.0}
		c := Location{Latitude: 11.0, Longitude: 20.0}

		ab := PathDistance([]Location{a, b})
		bc := PathDistance([]Location{b, c})
		ac := PathDistance([]Location{a, c})

		if math.Abs(ab+bc-ac) > 1e-6 {
			t.Errorf("expected d(A,B)+d(B,C) == d(A,C), got %.9f + %.9f vs %.9f", ab, bc, ac)
		}
		if math.Abs(PathDistance([]Location{a, b, c})-ac) > 1e-6 {
			t.Errorf("expected path A,B,C to equal d(A,C)")
		}
	})

	t.Run("order matters", func(t *testing.T) {
		a := Location{Latitude: 0, Longitude: 0}
		b := Location{Latitude: 0, Longitude: 1}
		c := Location{Latitude: 0, Longitude: 2}

		forward := PathDistance([]Location{a, b, c})
		zigzag := PathDistance([]Location{a, c, b})
		if zigzag <= forward {
			t.Errorf("expected zigzag path (%.2f) to be longer than forward path (%.2f)", zigzag, forward)
		}
	})
}

func TestCalculateMetrics(t *testing.T) {
	t.Run("empty locations", func(t *testing.T) {
		metrics := CalculateMetrics([]Location{})
		if metrics.TotalLocations != 0 {
			t.Errorf("expected TotalLocations 0, got %d", metrics.TotalLocations)
		}
		if metrics.TotalDistanceM != 0 {
			t.Errorf("expected TotalDistanceM 0, got %.2f", metrics.TotalDistanceM)
		}
	})

	t.Run("single location", func(t *testing.T) {
		metrics := CalculateMetrics([]Location{{Latitude: 35.0, Longitude: 139.0}})
		if metrics.TotalLocations != 1 {
			t.Errorf("expected TotalLocations 1, got %d", metrics.TotalLocations)
		}
		if metrics.MinSegmentM != 0 || metrics.MaxSegmentM != 0 {
			t.Errorf("expected zero segments, got min=%.2f max=%.2f", metrics.MinSegmentM, metrics.MaxSegmentM)
		}
	})

	t.Run("multiple locations", func(t *testing.T) {
		locations := []Location{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 0.001},
			{Latitude: 0, Longitude: 0.003},
		}
		metrics := CalculateMetrics(locations)

		if metrics.TotalLocations != 3 {
			t.Errorf("expected TotalLocations 3, got %d", metrics.TotalLocations)
		}
		if metrics.MaxSegmentM <= metrics.MinSegmentM {
			t.Errorf("expected max segment > min segment, got %.2f <= %.2f", metrics.MaxSegmentM, metrics.MinSegmentM)
		}
		if math.Abs(metrics.TotalDistanceM-PathDistance(locations)) > 1e-9 {
			t.Errorf("expected total to match PathDistance")
		}
		if math.Abs(metrics.AvgSegmentM-metrics.TotalDistanceM/2) > 1e-9 {
			t.Errorf("expected average of two segments, got %.2f", metrics.AvgSegmentM)
		}
	})
}

func TestDegreesToRadians(t *testing.T) {
	tests := []struct {
		degrees  float64
		expected float64
	}{
		{0, 0},
		{90, math.Pi / 2},
		{180, math.Pi},
		{360, 2 * math.Pi},
		{-90, -math.Pi / 2},
	}

	for _, tt := range tests {
		result := degreesToRadians(tt.degrees)
		if math.Abs(result-tt.expected) > 0.0001 {
			t.Errorf("degreesToRadians(%.2f) = %.4f, expected %.4f", tt.degrees, result, tt.expected)
		}
	}
}

func BenchmarkHaversine(b *testing.B) {
	lat1, lon1 := 35.681236, 139.767125
	lat2, lon2 := 35.690921, 139.700258

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Haversine(lat1, lon1, lat2, lon2)
	}
}

func BenchmarkPathDistance(b *testing.B) {
	locations := make([]Location, 1000)
	for i := 0; i < 1000; i++ {
		locations[i] = Location{
			Latitude:  35.0 + float64(i)*0.001,
			Longitude: 139.0 + float64(i)*0.001,
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		PathDistance(locations)
	}
}
