package eta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-hailing/internal/models"
)

// RetryingRouter retries transient routing failures with exponential delay.
// Validation errors (bad coordinates, no route) are returned immediately.
type RetryingRouter struct {
	next     Router
	attempts int
	delay    time.Duration
}

func WithRetry(next Router, attempts int, delay time.Duration) *RetryingRouter {
	if attempts <= 0 {
		attempts = 1
	}
	return &RetryingRouter{next: next, attempts: attempts, delay: delay}
}

func (r *RetryingRouter) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	var lastErr error
	d := r.delay
	for i := 0; i < r.attempts; i++ {
		v, err := r.next.Route(ctx, from, to)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, models.ErrValidation) {
			return Route{}, err
		}
		lastErr = err
		if i == r.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Route{}, fmt.Errorf("routing: %w: %v", models.ErrDependencyUnavailable, ctx.Err())
		case <-time.After(d):
		}
		d *= 2
	}
	return Route{}, fmt.Errorf("routing failed after %d attempts: %w: %v", r.attempts, models.ErrDependencyUnavailable, lastErr)
}
