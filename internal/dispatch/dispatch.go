package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-hailing/internal/models"
)

// Dispatcher delivers a ride offer to one candidate driver. Delivery is
// best-effort; callers log failures and carry on.
type Dispatcher interface {
	Offer(ctx context.Context, offer models.RideOffer) error
}

// Chain tries the driver's live WebSocket session first and falls back to a
// push provider when the driver is not connected.
type Chain struct {
	WS       *WSRegistry
	Fallback Dispatcher
}

func (c *Chain) Offer(ctx context.Context, offer models.RideOffer) error {
	if c.WS != nil {
		err := c.WS.Offer(ctx, offer)
		if err == nil || !errors.Is(err, ErrNoSession) || c.Fallback == nil {
			return err
		}
	}
	if c.Fallback == nil {
		return ErrNoSession
	}
	return c.Fallback.Offer(ctx, offer)
}

// LogDispatcher only records the offer. Used when no push provider is set up.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (l *LogDispatcher) Offer(_ context.Context, offer models.RideOffer) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("ride offer", "ride_id", offer.RideID, "driver_id", offer.DriverID, "pickup_eta_seconds", offer.PickupETA)
	return nil
}
