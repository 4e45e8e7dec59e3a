package matcher

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/ride"
	"github.com/example/ride-hailing/internal/storage"
)

// AcceptRide binds driverID to a requested ride. Ride status, ride version
// and driver availability are checked and written in one store operation, so
// of any number of concurrent accepts exactly one wins and the rest get
// ErrRideUnavailable or ErrDriverUnavailable with nothing changed.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	ctx, span := s.span(ctx, "AcceptRide", attribute.String("ride.id", rideID), attribute.String("driver.id", driverID))
	defer span.End()

	out, err := s.acceptRide(ctx, rideID, driverID)
	if err != nil {
		observability.AcceptsTotal.WithLabelValues(models.Kind(err)).Inc()
		span.RecordError(err)
		return models.Ride{}, err
	}
	observability.AcceptsTotal.WithLabelValues("ok").Inc()
	return out, nil
}

func (s *Service) acceptRide(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	if driverID == "" {
		return models.Ride{}, models.Invalid("driverId", "required")
	}
	driver, err := s.Store.GetUser(ctx, driverID)
	if err != nil {
		return models.Ride{}, err
	}
	if driver.Driver == nil {
		return models.Ride{}, fmt.Errorf("user %s is not a driver: %w", driverID, models.ErrUnauthorized)
	}
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	next, err := ride.Accept(r, driverID, s.now())
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return models.Ride{}, fmt.Errorf("ride %s is %s: %w", r.ID, r.Status, models.ErrRideUnavailable)
		}
		return models.Ride{}, err
	}
	committed, err := s.commitAccept(ctx, r.Version, next)
	if err != nil {
		return models.Ride{}, err
	}
	observability.TransitionsTotal.WithLabelValues(string(r.Status), string(committed.Status)).Inc()
	s.publish(ctx, models.RideEvent{RideID: committed.ID, From: r.Status, To: committed.Status, ActorRole: models.RoleDriver, ActorID: driverID, At: committed.UpdatedAt})
	s.logger().Info("ride accepted", "ride_id", committed.ID, "driver_id", driverID)
	return committed, nil
}

// commitAccept binds the driver in the store and takes them out of the index
// while holding the driver's lock.
func (s *Service) commitAccept(ctx context.Context, expectedVersion int, next models.Ride) (models.Ride, error) {
	unlock := s.drivers.lock(next.DriverID)
	defer unlock()

	committed, err := s.Store.AcceptRide(ctx, expectedVersion, next)
	if err != nil {
		return models.Ride{}, err
	}
	if err := s.syncAvailability(ctx, next.DriverID, false); err != nil {
		s.logger().Error("index availability update failed", "driver_id", next.DriverID, "ride_id", next.ID, "error", err)
	}
	return committed, nil
}

// UpdateStatus moves a ride to target on behalf of actor. Accepting is
// delegated to AcceptRide so that the driver binding stays atomic.
func (s *Service) UpdateStatus(ctx context.Context, rideID string, target models.Status, actor Actor) (models.Ride, error) {
	if target == models.StatusAccepted {
		if actor.Role != models.RoleDriver {
			return models.Ride{}, fmt.Errorf("only drivers accept rides: %w", models.ErrUnauthorized)
		}
		return s.AcceptRide(ctx, rideID, actor.ID)
	}
	return s.transition(ctx, rideID, target, actor, "")
}

func (s *Service) CancelRide(ctx context.Context, rideID string, actor Actor, reason string) (models.Ride, error) {
	return s.transition(ctx, rideID, models.StatusCancelled, actor, reason)
}

// transition re-reads and retries when another transition committed between
// our read and our write; the state machine then decides on fresh state.
func (s *Service) transition(ctx context.Context, rideID string, target models.Status, actor Actor, reason string) (models.Ride, error) {
	ctx, span := s.span(ctx, "Transition", attribute.String("ride.id", rideID), attribute.String("ride.target", string(target)))
	defer span.End()

	switch target {
	case models.StatusArrived, models.StatusStarted, models.StatusCompleted, models.StatusCancelled:
	case models.StatusRequested:
		return models.Ride{}, models.Invalid("status", "rides cannot be moved back to requested")
	default:
		return models.Ride{}, models.Invalid("status", "unknown status %q", target)
	}

	var last models.Ride
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		r, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return models.Ride{}, err
		}
		if err := authorize(r, actor); err != nil {
			return models.Ride{}, err
		}
		last = r

		var next models.Ride
		if target == models.StatusCancelled {
			next, err = ride.Cancel(r, actor.Role, reason, s.now())
		} else {
			next, err = ride.Transition(r, target, actor.Role, s.now())
		}
		if err != nil {
			span.RecordError(err)
			return models.Ride{}, err
		}

		fx := ride.EffectsOf(r.Status, target)
		committed, err := s.commitTransition(ctx, r, next, fx)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return models.Ride{}, err
		}
		return s.afterTransition(ctx, r, committed, actor), nil
	}
	return models.Ride{}, &models.TransitionError{RideID: rideID, Current: last.Status, Attempted: target}
}

// commitTransition writes next and, when the transition frees the driver,
// puts them back in the index under the driver's lock.
func (s *Service) commitTransition(ctx context.Context, prev, next models.Ride, fx ride.Effects) (models.Ride, error) {
	if !fx.ReleaseDriver || prev.DriverID == "" {
		return s.Store.CommitTransition(ctx, prev.Version, next, fx)
	}
	unlock := s.drivers.lock(prev.DriverID)
	defer unlock()

	committed, err := s.Store.CommitTransition(ctx, prev.Version, next, fx)
	if err != nil {
		return models.Ride{}, err
	}
	driver, err := s.Store.GetUser(ctx, prev.DriverID)
	if err != nil {
		s.logger().Warn("read released driver failed", "driver_id", prev.DriverID, "error", err)
		return committed, nil
	}
	if driver.Driver == nil {
		return committed, nil
	}
	if err := s.syncAvailability(ctx, driver.ID, driver.Driver.Available); err != nil {
		s.logger().Error("index availability update failed", "driver_id", driver.ID, "ride_id", committed.ID, "error", err)
	}
	return committed, nil
}

// authorize requires the actor to be the system or the party whose role the
// actor claims.
func authorize(r models.Ride, actor Actor) error {
	if actor.Role == models.RoleSystem {
		return nil
	}
	role, ok := r.PartyRole(actor.ID)
	if !ok || role != actor.Role {
		return fmt.Errorf("%s %s is not a party to ride %s: %w", actor.Role, actor.ID, r.ID, models.ErrUnauthorized)
	}
	return nil
}

func (s *Service) afterTransition(ctx context.Context, prev, committed models.Ride, actor Actor) models.Ride {
	observability.TransitionsTotal.WithLabelValues(string(prev.Status), string(committed.Status)).Inc()

	if committed.Status.Terminal() {
		committed.Payment = s.settlePayment(ctx, committed)
	}

	s.publish(ctx, models.RideEvent{RideID: committed.ID, From: prev.Status, To: committed.Status, ActorRole: actor.Role, ActorID: actor.ID, At: committed.UpdatedAt})
	s.logger().Info("ride transition", "ride_id", committed.ID, "from", prev.Status, "to", committed.Status, "actor_role", actor.Role)
	return committed
}

// settlePayment captures a card hold on completion and releases it on
// cancellation. Non-card rides are settled outside the platform.
func (s *Service) settlePayment(ctx context.Context, r models.Ride) models.Payment {
	pay := r.Payment
	switch {
	case pay.TransactionID != "" && s.Payments != nil:
		var err error
		if r.Status == models.StatusCompleted {
			err = s.Payments.Capture(ctx, pay.TransactionID)
			pay.Status = models.PaymentCompleted
		} else {
			err = s.Payments.Cancel(ctx, pay.TransactionID)
			pay.Status = models.PaymentFailed
		}
		if err != nil {
			s.logger().Warn("settle card hold failed", "ride_id", r.ID, "hold_id", pay.TransactionID, "error", err)
			pay.Status = models.PaymentFailed
		}
	case r.Status == models.StatusCompleted:
		pay.Status = models.PaymentCompleted
	default:
		return pay
	}
	if err := s.Store.SetPayment(ctx, r.ID, pay); err != nil {
		s.logger().Warn("record payment status failed", "ride_id", r.ID, "error", err)
		return r.Payment
	}
	return pay
}
