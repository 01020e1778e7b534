package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/cache"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/monitor"
	"github.com/example/driver-dispatch/internal/notification"
	"github.com/example/driver-dispatch/internal/retry"
	"github.com/example/driver-dispatch/internal/storage"
)

const testSecret = "test-secret"

type testEnv struct {
	srv      *httptest.Server
	offers   *notification.Registry
	wsreg    *dispatch.WSRegistry
	signer   *auth.JWTValidator
	notReady atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.Discard()
	mon := monitor.New(logger)
	sched := retry.NewScheduler(retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, Workers: 2}, mon, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})
	c := cache.NewMemoryCache(cache.DefaultTTL)
	log := storage.NewMemoryLog()
	locs := location.NewCoordinator(c, log, ingest.NewLogPublisher(logger), sched, mon, logger)
	m := &matcher.Service{Cache: c, Log: log, DefaultLimit: 10, Logger: logger}
	wsreg := dispatch.NewWSRegistry(logger)
	reg := notification.NewRegistry(notification.NewMemoryOfferStore(), m, wsreg, nil, sched, notification.DefaultConfig(), logger)
	signer := auth.NewJWTValidator(testSecret)

	env := &testEnv{offers: reg, wsreg: wsreg, signer: signer}
	s := NewServer(Deps{
		Locations: locs,
		Matcher:   m,
		Offers:    reg,
		WSReg:     wsreg,
		Monitor:   mon,
		Auth:      signer,
		Checks: map[string]func(context.Context) error{
			"cache": c.Ping,
			"stub": func(context.Context) error {
				if env.notReady.Load() {
					return errors.New("down")
				}
				return nil
			},
		},
	}, logger)
	env.srv = httptest.NewServer(s)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := e.signer.Sign(auth.Identity{Subject: subject, Role: role}, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (e *testEnv) dialWS(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path + "?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHealthzAndRequestID(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-ID") != "req-123" {
		t.Fatalf("status=%d request id=%q", resp.StatusCode, resp.Header.Get("X-Request-ID"))
	}
}

func TestReady(t *testing.T) {
	env := newTestEnv(t)
	if resp, _ := env.do(t, http.MethodGet, "/ready", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
	env.notReady.Store(true)
	if resp, _ := env.do(t, http.MethodGet, "/ready", "", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestAuthGuards(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]float64{"lat": 40.7, "lon": -74}
	if resp, _ := env.do(t, http.MethodPost, "/api/v1/drivers/d1/location", "", body); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/v1/drivers/d1/location", "not-a-jwt", body); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/v1/drivers/d1/location", env.token(t, "d2", auth.RoleDriver), body); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other driver: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, "/admin/health/retries", env.token(t, "p1", auth.RolePassenger), nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("passenger on admin: %d", resp.StatusCode)
	}
}

func TestLocationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.token(t, "d1", auth.RoleDriver)

	resp, body := env.do(t, http.MethodPost, "/api/v1/drivers/d1/location", d1, map[string]float64{"lat": 40.7128, "lon": -74.0060})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, body)
	}
	var pos models.DriverPosition
	if err := json.Unmarshal(body, &pos); err != nil {
		t.Fatal(err)
	}
	if pos.Status != models.StatusAvailable || !strings.HasPrefix(pos.Geohash, "dr5r") {
		t.Fatalf("unexpected position %+v", pos)
	}

	resp, body = env.do(t, http.MethodGet, "/api/v1/drivers/d1/location", d1, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"driver_id":"d1"`) {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}

	if resp, _ := env.do(t, http.MethodPost, "/api/v1/drivers/d1/location", d1, map[string]float64{"lat": 91, "lon": 0}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid latitude: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/v1/drivers/d1/location", d1, map[string]float64{"lat": 40}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing lon: %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/api/v1/drivers/d1/history", d1, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"positions":[{`) {
		t.Fatalf("history: %d %s", resp.StatusCode, body)
	}

	if resp, _ := env.do(t, http.MethodGet, "/api/v1/drivers/ghost/location", env.token(t, "ghost", auth.RoleDriver), nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown driver: %d", resp.StatusCode)
	}
}

func TestNearbyHonoursStatus(t *testing.T) {
	env := newTestEnv(t)
	for id, p := range map[string][2]float64{"d1": {40.7128, -74.0060}, "d2": {40.7150, -74.0080}} {
		resp, body := env.do(t, http.MethodPost, "/api/v1/drivers/"+id+"/location", env.token(t, id, auth.RoleDriver), map[string]float64{"lat": p[0], "lon": p[1]})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("update %s: %d %s", id, resp.StatusCode, body)
		}
	}
	resp, body := env.do(t, http.MethodPost, "/api/v1/drivers/d2/status", env.token(t, "d2", auth.RoleDriver), map[string]string{"status": "busy"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/v1/drivers/d2/status", env.token(t, "d2", auth.RoleDriver), map[string]string{"status": "sleeping"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status: %d", resp.StatusCode)
	}

	passenger := env.token(t, "p1", auth.RolePassenger)
	resp, body = env.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=40.7128&lon=-74.0060&radius_km=5", passenger, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("nearby: %d %s", resp.StatusCode, body)
	}
	var out struct {
		Drivers []models.NearbyDriver `json:"drivers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Drivers) != 1 || out.Drivers[0].DriverID != "d1" {
		t.Fatalf("expected only d1, got %+v", out.Drivers)
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=abc&lon=1", passenger, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad lat: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=1&lon=1&radius_km=-1", passenger, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad radius: %d", resp.StatusCode)
	}
}

func TestAcceptRace(t *testing.T) {
	env := newTestEnv(t)
	ev := models.TripCreatedEvent{TripID: "t1", PassengerID: "p1", Pickup: models.Coord{Lat: 40.71, Lon: -74}, Destination: models.Coord{Lat: 40.75, Lon: -73.98}, NearbyDriverIDs: []string{"D1", "D2", "D3"}}
	if _, err := env.offers.HandleTripNotification(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	resp, body := env.do(t, http.MethodGet, "/api/v1/drivers/D1/offers", env.token(t, "D1", auth.RoleDriver), nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"trip_id":"t1"`) {
		t.Fatalf("pending offers: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/trips/t1/accept", env.token(t, "D2", auth.RoleDriver), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("D2 accept: %d %s", resp.StatusCode, body)
	}
	for _, loser := range []string{"D1", "D3"} {
		resp, body := env.do(t, http.MethodPost, "/api/v1/trips/t1/accept", env.token(t, loser, auth.RoleDriver), nil)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("%s accept: %d %s", loser, resp.StatusCode, body)
		}
		var res models.AcceptResult
		_ = json.Unmarshal(body, &res)
		if res.Accepted {
			t.Fatalf("%s must not win", loser)
		}
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/v1/trips/t1/decline", env.token(t, "p1", auth.RolePassenger), nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("passenger decline: %d", resp.StatusCode)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "ops", auth.RoleAdmin)
	d1 := env.token(t, "d1", auth.RoleDriver)
	env.do(t, http.MethodPost, "/api/v1/drivers/d1/location", d1, map[string]float64{"lat": 40.7, "lon": -74})

	resp, body := env.do(t, http.MethodGet, "/admin/health/retries", admin, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"healthy":true`) {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
	if resp, _ := env.do(t, http.MethodPost, "/admin/metrics/reset", admin, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset: %d", resp.StatusCode)
	}
	resp, body = env.do(t, http.MethodPost, "/admin/cache/rebuild", admin, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"restored":1`) {
		t.Fatalf("rebuild: %d %s", resp.StatusCode, body)
	}
	if resp, _ := env.do(t, http.MethodPost, "/admin/drivers/d1/rating", admin, map[string]float64{"rating": 4.8}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("rating: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/admin/drivers/d1/rating", admin, map[string]float64{"rating": 9}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad rating: %d", resp.StatusCode)
	}
}

func TestOfferChannelReceivesPush(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialWS(t, "/ws/D1", env.token(t, "D1", auth.RoleDriver))

	deadline := time.Now().Add(2 * time.Second)
	for !env.wsreg.Connected("D1") {
		if time.Now().After(deadline) {
			t.Fatal("driver never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ev := models.TripCreatedEvent{TripID: "t9", Pickup: models.Coord{Lat: 40.71, Lon: -74}, Destination: models.Coord{Lat: 40.75, Lon: -73.98}, NearbyDriverIDs: []string{"D1"}}
	if _, err := env.offers.HandleTripNotification(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    string           `json:"type"`
		Payload models.TripOffer `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != dispatch.TypeTripOffer || msg.Payload.TripID != "t9" {
		t.Fatalf("unexpected push %+v", msg)
	}
}

func TestLocationStreamAck(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialWS(t, "/ws/d1/locations", env.token(t, "d1", auth.RoleDriver))
	frames := []any{
		map[string]float64{"lat": 40.7128, "lon": -74.0060},
		map[string]float64{"lat": 95, "lon": 0},
		map[string]float64{"lat": 40.7130, "lon": -74.0062},
		map[string]string{"type": "end"},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack location.StreamAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.DriverID != "d1" || ack.Received != 3 || ack.Accepted != 2 || ack.Rejected != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}
}
