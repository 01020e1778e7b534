package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// PushDispatcher tries the driver's live websocket first and falls back to
// an HTTP push gateway when one is configured.
type PushDispatcher struct {
	Endpoint string // push gateway URL, optional
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Notify(ctx context.Context, driverID string, msg Message) error {
	if p.WS != nil {
		err := p.WS.Notify(ctx, driverID, msg)
		if err == nil {
			return nil
		}
		if p.Endpoint == "" {
			return err
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, err := json.Marshal(map[string]interface{}{"driver_id": driverID, "message": msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}

// IsNoSession reports whether err means the driver simply is not connected.
func IsNoSession(err error) bool { return errors.Is(err, ErrNoSession) }
