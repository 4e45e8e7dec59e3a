package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-hailing/internal/models"
)

// driverLocks orders the store write and the index write for one driver.
// Whoever commits to the store last also writes the index last, so the index
// settles on the availability the store holds. The zero value is ready.
type driverLocks struct {
	mu    sync.Mutex
	locks map[string]*driverLock
}

type driverLock struct {
	mu   sync.Mutex
	refs int
}

func (d *driverLocks) lock(driverID string) (unlock func()) {
	if driverID == "" {
		return func() {}
	}
	d.mu.Lock()
	if d.locks == nil {
		d.locks = make(map[string]*driverLock)
	}
	l, ok := d.locks[driverID]
	if !ok {
		l = &driverLock{}
		d.locks[driverID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, driverID)
		}
		d.mu.Unlock()
	}
}

func (s *Service) indexAttempts() int {
	if s.IndexAttempts <= 0 {
		return 3
	}
	return s.IndexAttempts
}

func (s *Service) indexRetryDelay() time.Duration {
	if s.IndexRetryDelay <= 0 {
		return 50 * time.Millisecond
	}
	return s.IndexRetryDelay
}

// syncAvailability writes a driver's availability to the index with bounded
// exponential retry. Callers hold the driver's lock.
func (s *Service) syncAvailability(ctx context.Context, driverID string, available bool) error {
	attempts, delay := s.indexAttempts(), s.indexRetryDelay()
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Geo.SetAvailability(ctx, driverID, available); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrValidation) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("index availability: %w: %v", models.ErrDependencyUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("index availability after %d attempts: %w: %v", attempts, models.ErrDependencyUnavailable, err)
}
