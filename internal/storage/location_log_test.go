package storage

import (
	"context"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

func at(id string, lat, lon float64, ts time.Time) models.DriverPosition {
	return models.DriverPosition{DriverID: id, Lat: lat, Lon: lon, Status: models.StatusAvailable, Timestamp: ts, Geohash: geo.Encode(lat, lon)}
}

func TestMemoryLogLatestUsesMaxTimestamp(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	t0 := time.Now()
	_ = l.Append(ctx, at("d1", 10.0, 106.0, t0.Add(time.Second)), nil)
	_ = l.Append(ctx, at("d1", 11.0, 107.0, t0), nil) // arrives late, older timestamp

	got, ok, _ := l.Latest(ctx, "d1")
	if !ok || got.Lat != 10.0 {
		t.Fatalf("expected newest timestamp to win, got %+v", got)
	}
	if l.Len() != 2 {
		t.Fatalf("log must keep every row, got %d", l.Len())
	}
}

func TestMemoryLogAfterCommit(t *testing.T) {
	l := NewMemoryLog()
	called := false
	_ = l.Append(context.Background(), at("d1", 1, 1, time.Now()), func() { called = true })
	if !called {
		t.Fatalf("afterCommit not called")
	}
}

func TestMemoryLogRange(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_ = l.Append(ctx, at("d1", 1, float64(i), t0.Add(time.Duration(i)*time.Minute)), nil)
	}
	_ = l.Append(ctx, at("d2", 1, 1, t0), nil)

	got, _ := l.Range(ctx, "d1", t0.Add(time.Minute), t0.Add(3*time.Minute))
	if len(got) != 3 || got[0].Lon != 1 || got[2].Lon != 3 {
		t.Fatalf("unexpected range %+v", got)
	}
}

func TestMemoryLogSpatialQueriesFilterOnLatestRow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	t0 := time.Now()
	_ = l.Append(ctx, at("moved", 10.78, 106.70, t0), nil)
	_ = l.Append(ctx, at("moved", 48.85, 2.35, t0.Add(time.Second)), nil)
	_ = l.Append(ctx, at("stayed", 10.78, 106.70, t0), nil)

	box, _ := geo.BoundingBoxFor(10.78, 106.70, 5)
	inBox, _ := l.LatestInBox(ctx, box)
	if len(inBox) != 1 || inBox[0].DriverID != "stayed" {
		t.Fatalf("expected only the driver whose latest row is inside, got %+v", inBox)
	}

	prefix := geo.Encode(10.78, 106.70)[:5]
	byHash, _ := l.LatestByGeohashPrefix(ctx, prefix)
	if len(byHash) != 1 || byHash[0].DriverID != "stayed" {
		t.Fatalf("unexpected prefix result %+v", byHash)
	}

	all, _ := l.LatestAll(ctx)
	if len(all) != 2 {
		t.Fatalf("expected 2 drivers, got %d", len(all))
	}
}
