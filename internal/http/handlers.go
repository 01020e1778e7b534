package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/monitor"
	"github.com/example/driver-dispatch/internal/notification"
)

// RosterSource lists every registered driver for cache rebuilds.
type RosterSource interface {
	GetAllDrivers(ctx context.Context) ([]string, error)
}

// Deps are the collaborators the API serves. Auth and Roster are optional.
type Deps struct {
	Locations       *location.Coordinator
	Matcher         *matcher.Service
	Offers          *notification.Registry
	WSReg           *dispatch.WSRegistry
	Monitor         *monitor.Monitor
	Auth            auth.Validator
	Roster          RosterSource
	Checks          map[string]func(context.Context) error
	DefaultRadiusKm float64
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if d.DefaultRadiusKm <= 0 {
		d.DefaultRadiusKm = 5
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/location", s.handleUpdateLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/location", s.handleGetLocation).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/status", s.handleSetStatus).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/offers", s.handlePendingOffers).Methods(http.MethodGet)
	api.HandleFunc("/trips/{trip_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/trips/{trip_id}/decline", s.handleDecline).Methods(http.MethodPost)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/{driver_id}", s.handleOfferChannel).Methods(http.MethodGet)
	ws.HandleFunc("/{driver_id}/locations", s.handleLocationStream).Methods(http.MethodGet)

	admin := s.mux.PathPrefix("/admin").Subrouter()
	admin.Use(s.authMiddleware, s.requireRole(auth.RoleAdmin))
	admin.HandleFunc("/health/retries", s.handleRetryHealth).Methods(http.MethodGet)
	admin.HandleFunc("/metrics/reset", s.handleResetMetrics).Methods(http.MethodPost)
	admin.HandleFunc("/cache/rebuild", s.handleRebuildCache).Methods(http.MethodPost)
	admin.HandleFunc("/drivers/{driver_id}/rating", s.handleSetRating).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) requireRole(roles ...string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := auth.FromContext(r.Context())
			if err := auth.Require(id, roles...); err != nil {
				s.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// driverScope returns the path driver after checking the caller may act for it.
func (s *Server) driverScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	driverID := mux.Vars(r)["driver_id"]
	id, _ := auth.FromContext(r.Context())
	if err := auth.RequireDriverSelf(id, driverID); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return driverID, true
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverScope(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Lat == nil || req.Lon == nil {
		s.writeError(w, r, invalid("body must contain lat and lon"))
		return
	}
	pos, err := s.Locations.UpdateLocation(r.Context(), driverID, *req.Lat, *req.Lon)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverScope(w, r)
	if !ok {
		return
	}
	pos, err := s.Locations.GetPosition(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverScope(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, invalid("body must contain status"))
		return
	}
	status, err := models.ParseDriverStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	change, err := s.Locations.SetStatus(r.Context(), driverID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverScope(w, r)
	if !ok {
		return
	}
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, r, invalid("from must be RFC3339"))
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, r, invalid("to must be RFC3339"))
		return
	}
	rows, err := s.Locations.History(r.Context(), driverID, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.DriverPosition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": driverID, "positions": rows})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	if err := auth.Require(id, auth.RolePassenger, auth.RoleAdmin, auth.RoleService); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		s.writeError(w, r, invalid("lat is required"))
		return
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		s.writeError(w, r, invalid("lon is required"))
		return
	}
	radius := s.DefaultRadiusKm
	if v := q.Get("radius_km"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			s.writeError(w, r, invalid("radius_km must be a number"))
			return
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, invalid("limit must be an integer"))
			return
		}
	}
	drivers, err := s.Matcher.FindNearby(r.Context(), lat, lon, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if drivers == nil {
		drivers = []models.NearbyDriver{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers, "count": len(drivers)})
}

func (s *Server) handlePendingOffers(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverScope(w, r)
	if !ok {
		return
	}
	offers, err := s.Offers.PendingOffers(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.TripOffer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

// offerResponder resolves the acting driver: drivers act for themselves,
// admins and services name the driver in the body.
func (s *Server) offerResponder(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, _ := auth.FromContext(r.Context())
	if err := auth.Require(id, auth.RoleDriver, auth.RoleAdmin, auth.RoleService); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	if id.Role == auth.RoleDriver {
		return id.Subject, true
	}
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		s.writeError(w, r, invalid("driver_id is required"))
		return "", false
	}
	return req.DriverID, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.offerResponder(w, r)
	if !ok {
		return
	}
	res, err := s.Offers.AcceptTrip(r.Context(), mux.Vars(r)["trip_id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.offerResponder(w, r)
	if !ok {
		return
	}
	res, err := s.Offers.DeclineTrip(r.Context(), mux.Vars(r)["trip_id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetryHealth(w http.ResponseWriter, r *http.Request) {
	report := s.Monitor.PerformHealthCheck()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	s.Monitor.Reset()
	logging.FromContext(r.Context(), s.logger).Info("retry metrics reset")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRebuildCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverIDs []string `json:"driver_ids"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, invalid("body must be {\"driver_ids\": [...]}"))
			return
		}
	}
	ids := req.DriverIDs
	if len(ids) == 0 && s.Roster != nil {
		roster, err := s.Roster.GetAllDrivers(r.Context())
		if err != nil {
			// fall back to every driver the log knows about
			s.logger.Warn("driver roster unavailable, rebuilding from log", "error", err)
		} else {
			ids = roster
		}
	}
	report, err := s.Locations.RebuildCache(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSetRating(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating *float64 `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rating == nil {
		s.writeError(w, r, invalid("body must contain rating"))
		return
	}
	driverID := mux.Vars(r)["driver_id"]
	if err := s.Locations.SetRating(r.Context(), driverID, *req.Rating); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidInput, msg)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case auth.KindOf(err) == auth.Unauthenticated:
		status, msg = http.StatusUnauthorized, err.Error()
	case auth.KindOf(err) == auth.Forbidden:
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, models.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	default:
		logging.FromContext(r.Context(), s.logger).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
