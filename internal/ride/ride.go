package ride

import (
	"fmt"
	"time"

	"github.com/example/ride-hailing/internal/models"
)

var allowed = map[models.Status][]models.Status{
	models.StatusRequested: {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:  {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:   {models.StatusStarted, models.StatusCancelled},
	models.StatusStarted:   {models.StatusCompleted},
}

// actors lists the roles allowed to drive a ride into each status.
var actors = map[models.Status][]models.Role{
	models.StatusAccepted:  {models.RoleDriver},
	models.StatusArrived:   {models.RoleDriver},
	models.StatusStarted:   {models.RoleDriver},
	models.StatusCompleted: {models.RoleDriver, models.RoleSystem},
	models.StatusCancelled: {models.RoleRider, models.RoleDriver, models.RoleSystem},
}

func AllowedNext(from models.Status) []models.Status {
	return append([]models.Status(nil), allowed[from]...)
}

func CanTransition(from, to models.Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanAct(to models.Status, role models.Role) bool {
	for _, r := range actors[to] {
		if r == role {
			return true
		}
	}
	return false
}

// Transition validates the edge and the actor, then returns an updated copy
// of r. r itself is never modified, and on error the zero Ride is returned.
func Transition(r models.Ride, to models.Status, actor models.Role, now time.Time) (models.Ride, error) {
	if !CanTransition(r.Status, to) {
		return models.Ride{}, &models.TransitionError{RideID: r.ID, Current: r.Status, Attempted: to}
	}
	if !CanAct(to, actor) {
		return models.Ride{}, fmt.Errorf("%w: role %q cannot move ride to %s", models.ErrUnauthorized, actor, to)
	}

	next := r.Clone()
	at := stamp(r, now)
	next.Status = to
	next.Timestamps[to] = at
	next.UpdatedAt = at
	return next, nil
}

// Accept binds driverID to a requested ride.
func Accept(r models.Ride, driverID string, now time.Time) (models.Ride, error) {
	if driverID == "" {
		return models.Ride{}, models.Invalid("driverId", "required")
	}
	next, err := Transition(r, models.StatusAccepted, models.RoleDriver, now)
	if err != nil {
		return models.Ride{}, err
	}
	next.DriverID = driverID
	return next, nil
}

func Cancel(r models.Ride, by models.Role, reason string, now time.Time) (models.Ride, error) {
	next, err := Transition(r, models.StatusCancelled, by, now)
	if err != nil {
		return models.Ride{}, err
	}
	next.Cancellation = &models.Cancellation{By: by, Reason: reason}
	return next, nil
}

// Effects are the user-record changes that must be committed in the same
// atomic unit as a ride transition.
type Effects struct {
	ReleaseDriver bool
	CountRide     bool
}

func EffectsOf(from, to models.Status) Effects {
	switch to {
	case models.StatusCompleted:
		return Effects{ReleaseDriver: true, CountRide: true}
	case models.StatusCancelled:
		return Effects{ReleaseDriver: from != models.StatusRequested}
	}
	return Effects{}
}

// stamp never goes backwards relative to timestamps already on the ride.
func stamp(r models.Ride, now time.Time) time.Time {
	latest := r.CreatedAt
	for _, t := range r.Timestamps {
		if t.After(latest) {
			latest = t
		}
	}
	if now.Before(latest) {
		return latest
	}
	return now
}
