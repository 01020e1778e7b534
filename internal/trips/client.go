// Package trips talks to the trip-management service.
package trips

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/example/driver-dispatch/internal/observability"
)

const breakerName = "trip-service"

var ErrUnavailable = errors.New("trip service unavailable")

// Client calls trip management through a circuit breaker so a failing
// service is not hammered by the retry scheduler.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	observability.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	c := &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}, logger: logger}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			observability.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return c
}

// State exposes the breaker state for health reporting.
func (c *Client) State() gobreaker.State { return c.cb.State() }

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	out, err := c.cb.Execute(func() ([]byte, error) {
		var rd *bytes.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			rd = bytes.NewReader(b)
		} else {
			rd = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.CircuitBreakerRequests.WithLabelValues(breakerName, "rejected").Inc()
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		observability.CircuitBreakerRequests.WithLabelValues(breakerName, "failure").Inc()
		return nil, err
	}
	observability.CircuitBreakerRequests.WithLabelValues(breakerName, "success").Inc()
	return out, nil
}

// AcceptTrip records driverID as the trip's driver.
func (c *Client) AcceptTrip(ctx context.Context, tripID, driverID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/trips/"+url.PathEscape(tripID)+"/accept", map[string]string{"driver_id": driverID})
	return err
}

// GetAllDrivers returns the registered driver roster.
func (c *Client) GetAllDrivers(ctx context.Context) ([]string, error) {
	b, err := c.do(ctx, http.MethodGet, "/api/v1/drivers", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		DriverIDs []string `json:"driver_ids"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode driver roster: %w", err)
	}
	return out.DriverIDs, nil
}
