package rating

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/storage"
)

const maxCommentLen = 500

// Aggregator records ride ratings and keeps each user's running mean.
type Aggregator struct {
	Store storage.Store
	Now   func() time.Time
}

func New(store storage.Store) *Aggregator {
	return &Aggregator{Store: store, Now: time.Now}
}

// Rate stores the rating raterRole gives the counterpart on rideID and
// returns the ratee with the updated aggregate.
func (a *Aggregator) Rate(ctx context.Context, rideID string, raterRole models.Role, value float64, comment string) (models.User, error) {
	v, err := validate(raterRole, value, comment)
	if err != nil {
		return models.User{}, err
	}
	r, err := a.Store.GetRide(ctx, rideID)
	if err != nil {
		return models.User{}, err
	}
	if r.Status != models.StatusCompleted {
		return models.User{}, fmt.Errorf("ride %s is %s: %w", r.ID, r.Status, models.ErrRideNotRateable)
	}

	rec := models.RatingRecord{
		RideID:    r.ID,
		RaterRole: raterRole,
		Value:     v,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: a.Now(),
	}
	if raterRole == models.RoleRider {
		rec.RaterID, rec.RateeID = r.RiderID, r.DriverID
	} else {
		rec.RaterID, rec.RateeID = r.DriverID, r.RiderID
	}

	u, err := a.Store.RecordRating(ctx, rec, Accumulate)
	if err != nil {
		observability.RatingsTotal.WithLabelValues(string(raterRole), models.Kind(err)).Inc()
		return models.User{}, err
	}
	observability.RatingsTotal.WithLabelValues(string(raterRole), "ok").Inc()
	return u, nil
}

func validate(role models.Role, value float64, comment string) (int, error) {
	if role != models.RoleRider && role != models.RoleDriver {
		return 0, models.Invalid("role", "must be rider or driver")
	}
	if math.IsNaN(value) || value != math.Trunc(value) || value < 1 || value > 5 {
		return 0, models.Invalid("value", "must be an integer between 1 and 5")
	}
	if len(comment) > maxCommentLen {
		return 0, models.Invalid("comment", "longer than %d characters", maxCommentLen)
	}
	return int(value), nil
}

// Accumulate folds one rating into the running mean.
func Accumulate(a models.RatingAggregate, v int) models.RatingAggregate {
	a.Sum += float64(v)
	a.Count++
	a.Average = math.Round(a.Sum/float64(a.Count)*100) / 100
	return a
}
