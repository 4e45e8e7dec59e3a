package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/ride-hailing/internal/models"
)

var ErrNoPushToken = errors.New("driver has no push token")

// FCMDispatcher posts JSON to FCM HTTPv1 endpoint using server key or oauth token.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Offer(ctx context.Context, offer models.RideOffer) error {
	if offer.PushToken == "" {
		return ErrNoPushToken
	}
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	// FCM data values must be strings
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"token": offer.PushToken,
			"data": map[string]string{
				"type":    "ride_offer",
				"ride_id": offer.RideID,
				"offer":   string(offerJSON),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return postJSON(ctx, f.Client, f.Endpoint, f.Key, b)
}
