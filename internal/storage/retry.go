package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/ride"
)

// RetryingStore retries transient database failures with exponential delay
// and reports exhaustion as models.ErrDependencyUnavailable. Domain errors
// and version conflicts are returned as they are.
//
// A retried AcceptRide or CommitTransition whose first attempt did commit
// sees the new version and fails with a conflict or RideUnavailable; the
// version check keeps it from applying twice.
type RetryingStore struct {
	next     Store
	attempts int
	delay    time.Duration
}

func WithRetry(next Store, attempts int, delay time.Duration) *RetryingStore {
	if attempts <= 0 {
		attempts = 1
	}
	return &RetryingStore{next: next, attempts: attempts, delay: delay}
}

// IsTransient reports whether err is a connection or concurrency failure that
// is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"): // connection exception
			return true
		case strings.HasPrefix(code, "40"): // serialization failure, deadlock
			return true
		case strings.HasPrefix(code, "57P"): // admin shutdown, cannot connect now
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (r *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	d := r.delay
	for i := 0; i < r.attempts; i++ {
		err := fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		lastErr = err
		if i == r.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("store %s: %w: %v", op, models.ErrDependencyUnavailable, ctx.Err())
		case <-time.After(d):
		}
		d *= 2
	}
	return fmt.Errorf("store %s failed after %d attempts: %w: %v", op, r.attempts, models.ErrDependencyUnavailable, lastErr)
}

func (r *RetryingStore) Ping(ctx context.Context) error {
	p, ok := r.next.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return r.do(ctx, "ping", func() error { return p.Ping(ctx) })
}

func (r *RetryingStore) EnsureUser(ctx context.Context, u models.User) (out models.User, err error) {
	err = r.do(ctx, "ensure user", func() error {
		out, err = r.next.EnsureUser(ctx, u)
		return err
	})
	return out, err
}

func (r *RetryingStore) GetUser(ctx context.Context, id string) (out models.User, err error) {
	err = r.do(ctx, "get user", func() error {
		out, err = r.next.GetUser(ctx, id)
		return err
	})
	return out, err
}

func (r *RetryingStore) CreateRide(ctx context.Context, rd models.Ride) error {
	return r.do(ctx, "create ride", func() error { return r.next.CreateRide(ctx, rd) })
}

func (r *RetryingStore) GetRide(ctx context.Context, id string) (out models.Ride, err error) {
	err = r.do(ctx, "get ride", func() error {
		out, err = r.next.GetRide(ctx, id)
		return err
	})
	return out, err
}

func (r *RetryingStore) ListRides(ctx context.Context, userID string, role models.Role, offset, limit int) (out []models.Ride, total int, err error) {
	err = r.do(ctx, "list rides", func() error {
		out, total, err = r.next.ListRides(ctx, userID, role, offset, limit)
		return err
	})
	return out, total, err
}

func (r *RetryingStore) AcceptRide(ctx context.Context, expectedVersion int, next models.Ride) (out models.Ride, err error) {
	err = r.do(ctx, "accept ride", func() error {
		out, err = r.next.AcceptRide(ctx, expectedVersion, next)
		return err
	})
	return out, err
}

func (r *RetryingStore) CommitTransition(ctx context.Context, expectedVersion int, next models.Ride, fx ride.Effects) (out models.Ride, err error) {
	err = r.do(ctx, "commit transition", func() error {
		out, err = r.next.CommitTransition(ctx, expectedVersion, next, fx)
		return err
	})
	return out, err
}

func (r *RetryingStore) RecordRating(ctx context.Context, rec models.RatingRecord, apply AggregateFunc) (out models.User, err error) {
	err = r.do(ctx, "record rating", func() error {
		out, err = r.next.RecordRating(ctx, rec, apply)
		return err
	})
	return out, err
}

func (r *RetryingStore) SetAvailability(ctx context.Context, driverID string, available bool) (out models.User, err error) {
	err = r.do(ctx, "set availability", func() error {
		out, err = r.next.SetAvailability(ctx, driverID, available)
		return err
	})
	return out, err
}

func (r *RetryingStore) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	return r.do(ctx, "update location", func() error { return r.next.UpdateLocation(ctx, driverID, loc) })
}

func (r *RetryingStore) SetPayment(ctx context.Context, rideID string, p models.Payment) error {
	return r.do(ctx, "set payment", func() error { return r.next.SetPayment(ctx, rideID, p) })
}

func (r *RetryingStore) DriverStats(ctx context.Context, driverID string) (out models.DriverStats, err error) {
	err = r.do(ctx, "driver stats", func() error {
		out, err = r.next.DriverStats(ctx, driverID)
		return err
	})
	return out, err
}
