package geo

import (
	"errors"
	"strings"
	"testing"

	"github.com/example/driver-dispatch/internal/models"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name       string
		lat, lon   float64
		wantPrefix string
	}{
		{"San Francisco", 37.7749, -122.4194, "9q8yyk"},
		{"New York", 40.7128, -74.0060, "dr5reg"},
		{"London", 51.5074, -0.1278, "gcpvj0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.lat, tt.lon)
			if len(got) != Precision {
				t.Fatalf("expected %d chars, got %q", Precision, got)
			}
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("Encode() = %v, want prefix %v", got, tt.wantPrefix)
			}
			if again := Encode(tt.lat, tt.lon); again != got {
				t.Errorf("Encode not deterministic: %v vs %v", got, again)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	points := [][2]float64{
		{37.7749, -122.4194},
		{40.7128, -74.0060},
		{-33.8688, 151.2093},
		{10.7769, 106.7009},
		{0, 0},
		{89.9, 179.9},
		{-89.9, -179.9},
	}
	for _, p := range points {
		hash := Encode(p[0], p[1])
		lat, lon, err := Decode(hash)
		if err != nil {
			t.Fatal(err)
		}
		box, err := Bounds(hash)
		if err != nil {
			t.Fatal(err)
		}
		if !box.Contains(p[0], p[1]) {
			t.Errorf("cell %s %+v does not contain original %v", hash, box, p)
		}
		if !box.Contains(lat, lon) {
			t.Errorf("decoded centre (%v,%v) outside cell %+v", lat, lon, box)
		}
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	for _, h := range []string{"", "abc", "9q8yyi", "9q8y!k", "0123456789bcd"} {
		if _, _, err := Decode(h); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("Decode(%q): expected invalid input, got %v", h, err)
		}
		if _, err := Bounds(h); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("Bounds(%q): expected invalid input, got %v", h, err)
		}
	}
}

func TestNeighbors(t *testing.T) {
	ns, err := Neighbors("9q8yyk")
	if err != nil {
		t.Fatal(err)
	}
	if len(ns) != 8 {
		t.Fatalf("expected 8 neighbours, got %d", len(ns))
	}
	for _, n := range ns {
		if n == "9q8yyk" || len(n) != 6 {
			t.Errorf("unexpected neighbour %q", n)
		}
	}
}

func TestPrefix(t *testing.T) {
	full := Encode(10.7769, 106.7009)
	if got := Prefix(10.7769, 106.7009, 5); got != full[:5] {
		t.Fatalf("Prefix = %q, want %q", got, full[:5])
	}
	if got := Prefix(10.7769, 106.7009, 20); got != full {
		t.Fatalf("oversized prefix should return full hash, got %q", got)
	}
}

func BenchmarkEncode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Encode(37.7749, -122.4194)
	}
}
