package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/example/driver-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestValidateCoordinates(t *testing.T) {
	valid := [][2]float64{{0, 0}, {90, 180}, {-90, -180}, {10.7769, 106.7009}, {-33.8688, 151.2093}}
	for _, c := range valid {
		if err := ValidateCoordinates(c[0], c[1]); err != nil {
			t.Errorf("ValidateCoordinates(%v, %v) = %v, want nil", c[0], c[1], err)
		}
	}

	invalid := []struct {
		name     string
		lat, lon float64
	}{
		{"nan lat", math.NaN(), 0},
		{"nan lon", 0, math.NaN()},
		{"inf lat", math.Inf(1), 0},
		{"neg inf lon", 0, math.Inf(-1)},
		{"lat too high", 90.0001, 0},
		{"lat too low", -91, 0},
		{"lon too high", 0, 180.5},
		{"lon too low", 0, -181},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCoordinates(tt.lat, tt.lon)
			if !errors.Is(err, models.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestDistanceKmIdentityAndSymmetry(t *testing.T) {
	points := [][2]float64{{10.7769, 106.7009}, {10.78, 106.705}, {37.7749, -122.4194}, {-33.8688, 151.2093}, {0, 179.9}}
	for _, a := range points {
		d, err := DistanceKm(a[0], a[1], a[0], a[1])
		if err != nil || d != 0 {
			t.Fatalf("d(p,p) = %v, %v; want 0, nil", d, err)
		}
		for _, b := range points {
			ab, _ := DistanceKm(a[0], a[1], b[0], b[1])
			ba, _ := DistanceKm(b[0], b[1], a[0], a[1])
			if math.Abs(ab-ba) > 1e-9 {
				t.Fatalf("distance not symmetric: %v vs %v", ab, ba)
			}
		}
	}
}

func TestDistanceKmKnownValue(t *testing.T) {
	d, err := DistanceKm(10.7769, 106.7009, 10.78, 106.705)
	if err != nil {
		t.Fatal(err)
	}
	if d < 0.5 || d > 0.65 {
		t.Fatalf("expected ~0.56km, got %f", d)
	}
	if _, err := DistanceKm(91, 0, 0, 0); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestIsWithinRadius(t *testing.T) {
	ok, err := IsWithinRadius(10.7769, 106.7009, 10.78, 106.705, 1)
	if err != nil || !ok {
		t.Fatalf("expected within 1km, got %v %v", ok, err)
	}
	ok, err = IsWithinRadius(10.7769, 106.7009, 10.78, 106.705, 0.1)
	if err != nil || ok {
		t.Fatalf("expected outside 0.1km, got %v %v", ok, err)
	}
	for _, r := range []float64{0, -1, math.NaN()} {
		if _, err := IsWithinRadius(0, 0, 0, 0, r); !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("radius %v: expected invalid input, got %v", r, err)
		}
	}
}

func TestBoundingBoxFor(t *testing.T) {
	b, err := BoundingBoxFor(0, 0, 111)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(b.MaxLat-1) > 1e-9 || math.Abs(b.MinLat+1) > 1e-9 {
		t.Fatalf("unexpected lat span %+v", b)
	}
	if math.Abs(b.MaxLon-1) > 1e-9 || math.Abs(b.MinLon+1) > 1e-9 {
		t.Fatalf("unexpected lon span %+v", b)
	}

	// longitude span widens away from the equator
	hi, _ := BoundingBoxFor(60, 0, 111)
	if hi.MaxLon-hi.MinLon <= b.MaxLon-b.MinLon {
		t.Fatalf("expected wider longitude span at 60N: %+v", hi)
	}

	pole, err := BoundingBoxFor(90, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if pole.MinLon != -180 || pole.MaxLon != 180 || pole.MaxLat != 90 {
		t.Fatalf("expected full longitude span at the pole: %+v", pole)
	}

	east, err := BoundingBoxFor(0, 179.9, 111)
	if err != nil {
		t.Fatal(err)
	}
	if !east.CrossesAntimeridian() || math.Abs(east.MinLon-178.9) > 1e-9 || math.Abs(east.MaxLon+179.1) > 1e-9 {
		t.Fatalf("expected a box wrapping past 180: %+v", east)
	}
	if !east.Contains(0, -179.95) || !east.Contains(0, 179.5) || east.Contains(0, 0) {
		t.Fatalf("wrapped box membership wrong: %+v", east)
	}

	if _, err := BoundingBoxFor(0, 0, 0); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid radius error, got %v", err)
	}
}

func TestPrecisionForRadius(t *testing.T) {
	tests := []struct {
		radius float64
		want   int
	}{
		{0.1, 7}, {0.61, 7}, {0.62, 6}, {2.4, 6}, {5, 5}, {20, 5},
		{50, 4}, {78, 4}, {100, 3}, {630, 3}, {1000, 2},
	}
	for _, tt := range tests {
		if got := PrecisionForRadius(tt.radius); got != tt.want {
			t.Errorf("PrecisionForRadius(%v) = %d, want %d", tt.radius, got, tt.want)
		}
	}
}
