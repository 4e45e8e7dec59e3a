package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/ride-hailing/internal/models"
)

// PushDispatcher posts offers to a generic provider HTTP endpoint.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewPushDispatcher(endpoint string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Offer(ctx context.Context, offer models.RideOffer) error {
	b, err := json.Marshal(map[string]interface{}{"ride_id": offer.RideID, "driver_id": offer.DriverID, "offer": offer})
	if err != nil {
		return err
	}
	return postJSON(ctx, p.Client, p.Endpoint, "", b)
}

func postJSON(ctx context.Context, c *http.Client, endpoint, bearer string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
