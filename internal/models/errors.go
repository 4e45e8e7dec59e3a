package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrRideUnavailable       = errors.New("ride unavailable")
	ErrDriverUnavailable     = errors.New("driver unavailable")
	ErrRideNotRateable       = errors.New("ride not rateable")
	ErrAlreadyRated          = errors.New("already rated")
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// ValidationError describes malformed or missing input. It never implies
// that any state was mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionError is returned when a ride cannot move from its current
// status to the attempted one.
type TransitionError struct {
	RideID    string
	Current   Status
	Attempted Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for ride %s: %s -> %s", e.RideID, e.Current, e.Attempted)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Kind names the taxonomy bucket an error falls into; used for API error
// codes and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrRideUnavailable):
		return "RideUnavailable"
	case errors.Is(err, ErrDriverUnavailable):
		return "DriverUnavailable"
	case errors.Is(err, ErrRideNotRateable):
		return "RideNotRateable"
	case errors.Is(err, ErrAlreadyRated):
		return "AlreadyRated"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrDependencyUnavailable):
		return "DependencyUnavailable"
	}
	return "Internal"
}
