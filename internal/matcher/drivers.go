package matcher

import (
	"context"
	"fmt"

	"github.com/example/ride-hailing/internal/models"
)

// SetAvailability toggles whether a driver receives offers. The store decides;
// the index follows. A driver with an active ride cannot go available.
func (s *Service) SetAvailability(ctx context.Context, driverID string, available bool) (models.User, error) {
	unlock := s.drivers.lock(driverID)
	defer unlock()

	u, err := s.Store.SetAvailability(ctx, driverID, available)
	if err != nil {
		return models.User{}, err
	}
	if err := s.syncAvailability(ctx, driverID, available); err != nil {
		return u, err
	}
	s.logger().Info("driver availability", "driver_id", driverID, "available", available)
	return u, nil
}

// UpdateLocation records a driver position. With a location publisher set the
// index is fed by the consumer; otherwise it is updated in place.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	if !loc.Valid() {
		return models.Invalid("location", "coordinates out of range")
	}
	if err := s.Store.UpdateLocation(ctx, driverID, loc); err != nil {
		return err
	}
	if s.Locations != nil {
		ev := models.DriverLocation{DriverID: driverID, Loc: loc, At: s.now()}
		if err := s.Locations.PublishLocation(ctx, ev); err != nil {
			return fmt.Errorf("publish location: %w: %v", models.ErrDependencyUnavailable, err)
		}
		return nil
	}
	if err := s.Geo.UpsertPosition(ctx, driverID, loc); err != nil {
		return fmt.Errorf("index position: %w: %v", models.ErrDependencyUnavailable, err)
	}
	return nil
}

func (s *Service) NearbyDrivers(ctx context.Context, origin models.Coord, radiusMeters float64, limit int) ([]models.NearbyDriver, error) {
	if radiusMeters <= 0 {
		radiusMeters = s.radius()
	}
	if limit <= 0 {
		limit = s.topN()
	}
	return s.Geo.QueryNearby(ctx, origin, radiusMeters, limit)
}

func (s *Service) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	return s.Store.DriverStats(ctx, driverID)
}
