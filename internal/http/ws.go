package httpapi

import (
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/logging"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	ackWait    = 5 * time.Second
	endType    = "end"
)

var upgrader = websocket.Upgrader{}

// handleOfferChannel keeps the driver's push connection registered until
// the client goes away. Offers still pending are replayed on connect.
func (s *Server) handleOfferChannel(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverScope(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// the HTTP server's deadlines must not apply to a long-lived socket
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	logger := logging.FromContext(r.Context(), s.logger).With("driver_id", driverID)
	sess := s.WSReg.Add(driverID, conn)
	logger.Info("driver connected")
	defer func() {
		s.WSReg.Remove(driverID, sess)
		_ = conn.Close()
		logger.Info("driver disconnected")
	}()

	done := make(chan struct{})
	defer close(done)
	go keepAlive(conn, done)

	if pending, err := s.Offers.PendingOffers(r.Context(), driverID); err == nil {
		for _, o := range pending {
			if err := sess.Send(dispatch.Message{Type: dispatch.TypeTripOffer, Payload: o}); err != nil {
				return
			}
		}
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ackWait)); err != nil {
				return
			}
		}
	}
}

type streamMessage struct {
	Type string   `json:"type"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
}

// handleLocationStream applies each position frame in order. A frame of
// type "end" closes the stream and the server answers with one
// acknowledgement. A dropped connection ends the stream without an answer.
func (s *Server) handleLocationStream(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverScope(w, r)
	if !ok {
		return
	}
	stream, err := s.Locations.OpenStream(driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		stream.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})
	defer conn.Close()

	logger := logging.FromContext(r.Context(), s.logger).With("driver_id", driverID)
	ctx := r.Context()
	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			ack := stream.Close()
			logger.Info("position stream dropped", "received", ack.Received, "accepted", ack.Accepted, "error", err)
			return
		}
		if msg.Type == endType {
			break
		}
		if err := stream.Push(ctx, coord(msg.Lat), coord(msg.Lon)); err != nil {
			logger.Debug("position frame rejected", "error", err)
		}
	}
	ack := stream.Close()
	writeAck(conn, ack)
	logger.Info("position stream closed", "received", ack.Received, "accepted", ack.Accepted, "rejected", ack.Rejected)
}

func writeAck(conn *websocket.Conn, ack location.StreamAck) {
	_ = conn.SetWriteDeadline(time.Now().Add(ackWait))
	if err := conn.WriteJSON(ack); err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// coord maps a missing field to NaN so validation rejects the frame.
func coord(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
