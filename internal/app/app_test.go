package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/example/driver-dispatch/internal/cache"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/notification"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		CacheTTL:         time.Minute,
		RetryMaxAttempts: 2,
		RetryWorkers:     1,
		OfferTTL:         15 * time.Second,
		AcceptAuditTTL:   time.Minute,
		TripResolvedTTL:  time.Hour,
		SweepInterval:    time.Second,
		DefaultRadiusKm:  5,
		DefaultLimit:     10,
	}
}

func closeApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewWithInProcessBackends(t *testing.T) {
	a, err := New(context.Background(), testConfig(), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer closeApp(t, a)
	if _, ok := a.Cache.(*cache.MemoryCache); !ok {
		t.Fatalf("expected memory cache, got %T", a.Cache)
	}
	if a.TripConsumer() != nil {
		t.Fatal("no brokers configured, consumer must be nil")
	}

	srv := httptest.NewServer(a.HTTPServer())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: %d", resp.StatusCode)
	}
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	a, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer closeApp(t, a)
	if _, ok := a.Cache.(*cache.RedisCache); !ok {
		t.Fatalf("expected redis cache, got %T", a.Cache)
	}

	ctx := context.Background()
	if _, err := a.Coordinator.UpdateLocation(ctx, "d1", 40.7128, -74.0060); err != nil {
		t.Fatal(err)
	}
	drivers, err := a.Matcher.FindNearby(ctx, 40.7128, -74.0060, 1, 5)
	if err != nil || len(drivers) != 1 {
		t.Fatalf("drivers=%v err=%v", drivers, err)
	}
	res, err := a.Offers.AcceptTrip(ctx, "t1", "d1")
	if err != nil || res.Accepted || res.Message != notification.MsgNotFound {
		t.Fatalf("accept without offer: %+v %v", res, err)
	}
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	mr.Close()
	if _, err := New(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatal("expected startup error")
	}
}
