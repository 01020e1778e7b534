package location

import (
	"context"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// StreamAck is sent once when an inbound position stream closes.
type StreamAck struct {
	DriverID      string              `json:"driver_id"`
	Received      int                 `json:"received"`
	Accepted      int                 `json:"accepted"`
	Rejected      int                 `json:"rejected"`
	Status        models.DriverStatus `json:"status,omitempty"`
	LastTimestamp time.Time           `json:"last_timestamp,omitempty"`
	Duration      time.Duration       `json:"duration_ns"`
}

// StreamSession accumulates the samples of one streaming connection. Each
// sample goes through UpdateLocation; invalid samples are counted and
// skipped so one bad fix does not end the stream.
type StreamSession struct {
	c        *Coordinator
	driverID string
	started  time.Time

	mu     sync.Mutex
	ack    StreamAck
	closed bool
}

func (c *Coordinator) OpenStream(driverID string) (*StreamSession, error) {
	if err := validateDriverID(driverID); err != nil {
		return nil, err
	}
	observability.StreamSessions.Inc()
	return &StreamSession{
		c:        c,
		driverID: driverID,
		started:  c.now(),
		ack:      StreamAck{DriverID: driverID},
	}, nil
}

// Push applies one sample. The returned error is informational only.
func (s *StreamSession) Push(ctx context.Context, lat, lon float64) error {
	pos, err := s.c.UpdateLocation(ctx, s.driverID, lat, lon)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack.Received++
	if err != nil {
		s.ack.Rejected++
		return err
	}
	s.ack.Accepted++
	s.ack.Status = pos.Status
	s.ack.LastTimestamp = pos.Timestamp
	return nil
}

// Close ends the session and returns its acknowledgement. Calling Close
// again returns the same acknowledgement.
func (s *StreamSession) Close() StreamAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.ack.Duration = s.c.now().Sub(s.started)
		observability.StreamSessions.Dec()
	}
	return s.ack
}
