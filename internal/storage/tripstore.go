package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/ride"
)

// ErrConflict means the ride changed since it was read. Callers re-read and
// retry the transition.
var ErrConflict = errors.New("ride version conflict")

// Store is the persistence boundary for rides and users. It only exposes
// atomic operations; there are no field-level setters for ride status or
// driver availability.
type Store interface {
	// EnsureUser inserts u unless a user with the same id exists and returns
	// the stored record.
	EnsureUser(ctx context.Context, u models.User) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)

	CreateRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	ListRides(ctx context.Context, userID string, role models.Role, offset, limit int) ([]models.Ride, int, error)

	// AcceptRide commits next (a ride moved to accepted) only if the stored
	// ride is still requested at expectedVersion and the driver is available
	// with no active ride. It binds the driver in the same unit.
	AcceptRide(ctx context.Context, expectedVersion int, next models.Ride) (models.Ride, error)
	// CommitTransition writes next if the stored ride is at expectedVersion
	// and applies fx to the parties in the same unit.
	CommitTransition(ctx context.Context, expectedVersion int, next models.Ride, fx ride.Effects) (models.Ride, error)
	// RecordRating inserts rec and folds it into the ratee aggregate with
	// apply, atomically and serialized per ratee.
	RecordRating(ctx context.Context, rec models.RatingRecord, apply AggregateFunc) (models.User, error)

	SetAvailability(ctx context.Context, driverID string, available bool) (models.User, error)
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
	SetPayment(ctx context.Context, rideID string, p models.Payment) error
	DriverStats(ctx context.Context, driverID string) (models.DriverStats, error)
}

type AggregateFunc func(models.RatingAggregate, int) models.RatingAggregate

type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]models.Ride
	users   map[string]models.User
	ratings map[string]map[models.Role]models.RatingRecord
	locks   *keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]models.Ride),
		users:   make(map[string]models.User),
		ratings: make(map[string]map[models.Role]models.RatingRecord),
		locks:   newKeyedMutex(),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) EnsureUser(_ context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		return models.User{}, models.Invalid("id", "required")
	}
	unlock := m.locks.Lock(userKey(u.ID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.users[u.ID]; ok {
		return cur.Clone(), nil
	}
	m.users[u.ID] = u.Clone()
	return u.Clone(), nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return u.Clone(), nil
}

func (m *MemoryStore) CreateRide(_ context.Context, r models.Ride) error {
	unlock := m.locks.Lock(rideKey(r.ID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s already exists", r.ID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return m.project(r), nil
}

// project attaches the rating records to a copy of r. Caller holds m.mu.
func (m *MemoryStore) project(r models.Ride) models.Ride {
	out := r.Clone()
	for role, rec := range m.ratings[r.ID] {
		e := &models.RatingEntry{Value: rec.Value, Comment: rec.Comment}
		if role == models.RoleRider {
			out.Ratings.Rider = e
		} else {
			out.Ratings.Driver = e
		}
	}
	return out
}

func (m *MemoryStore) ListRides(_ context.Context, userID string, role models.Role, offset, limit int) ([]models.Ride, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []models.Ride
	for _, r := range m.rides {
		if (role == models.RoleRider && r.RiderID == userID) || (role == models.RoleDriver && r.DriverID == userID) {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if offset >= total {
		return []models.Ride{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]models.Ride, 0, end-offset)
	for _, r := range all[offset:end] {
		out = append(out, m.project(r))
	}
	return out, total, nil
}

func (m *MemoryStore) AcceptRide(_ context.Context, expectedVersion int, next models.Ride) (models.Ride, error) {
	unlock := m.locks.Lock(rideKey(next.ID), userKey(next.DriverID))
	defer unlock()

	m.mu.RLock()
	cur, ok := m.rides[next.ID]
	driver, dok := m.users[next.DriverID]
	m.mu.RUnlock()

	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", next.ID, models.ErrNotFound)
	}
	if cur.Status != models.StatusRequested || cur.Version != expectedVersion {
		return models.Ride{}, fmt.Errorf("ride %s is %s: %w", cur.ID, cur.Status, models.ErrRideUnavailable)
	}
	if !dok {
		return models.Ride{}, fmt.Errorf("driver %s: %w", next.DriverID, models.ErrNotFound)
	}
	if driver.Driver == nil {
		return models.Ride{}, fmt.Errorf("user %s is not a driver: %w", driver.ID, models.ErrUnauthorized)
	}
	if !driver.Driver.Available || driver.Driver.ActiveRideID != "" {
		return models.Ride{}, fmt.Errorf("driver %s: %w", driver.ID, models.ErrDriverUnavailable)
	}

	committed := next.Clone()
	committed.Version = expectedVersion + 1
	driver = driver.Clone()
	driver.Driver.Available = false
	driver.Driver.ActiveRideID = committed.ID

	m.mu.Lock()
	m.rides[committed.ID] = committed
	m.users[driver.ID] = driver
	out := m.project(committed)
	m.mu.Unlock()
	return out, nil
}

func (m *MemoryStore) CommitTransition(_ context.Context, expectedVersion int, next models.Ride, fx ride.Effects) (models.Ride, error) {
	unlock := m.locks.Lock(rideKey(next.ID), userKey(next.DriverID), userKey(next.RiderID))
	defer unlock()

	m.mu.RLock()
	cur, ok := m.rides[next.ID]
	driver, dok := m.users[next.DriverID]
	rider, rok := m.users[next.RiderID]
	m.mu.RUnlock()

	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", next.ID, models.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return models.Ride{}, fmt.Errorf("ride %s at version %d, expected %d: %w", cur.ID, cur.Version, expectedVersion, ErrConflict)
	}

	committed := next.Clone()
	committed.Version = expectedVersion + 1
	users := make([]models.User, 0, 2)
	if dok && driver.Driver != nil && (fx.ReleaseDriver || fx.CountRide) {
		driver = driver.Clone()
		if fx.ReleaseDriver && driver.Driver.ActiveRideID == committed.ID {
			driver.Driver.ActiveRideID = ""
			driver.Driver.Available = true
		}
		if fx.CountRide {
			driver.TotalRides++
		}
		users = append(users, driver)
	}
	if rok && fx.CountRide {
		rider = rider.Clone()
		rider.TotalRides++
		users = append(users, rider)
	}

	m.mu.Lock()
	m.rides[committed.ID] = committed
	for _, u := range users {
		m.users[u.ID] = u
	}
	out := m.project(committed)
	m.mu.Unlock()
	return out, nil
}

func (m *MemoryStore) RecordRating(_ context.Context, rec models.RatingRecord, apply AggregateFunc) (models.User, error) {
	unlock := m.locks.Lock(rideKey(rec.RideID), userKey(rec.RateeID))
	defer unlock()

	m.mu.RLock()
	r, ok := m.rides[rec.RideID]
	_, rated := m.ratings[rec.RideID][rec.RaterRole]
	ratee, uok := m.users[rec.RateeID]
	m.mu.RUnlock()

	if !ok {
		return models.User{}, fmt.Errorf("ride %s: %w", rec.RideID, models.ErrNotFound)
	}
	if r.Status != models.StatusCompleted {
		return models.User{}, fmt.Errorf("ride %s is %s: %w", r.ID, r.Status, models.ErrRideNotRateable)
	}
	if rated {
		return models.User{}, fmt.Errorf("ride %s by %s: %w", r.ID, rec.RaterRole, models.ErrAlreadyRated)
	}
	if !uok {
		return models.User{}, fmt.Errorf("user %s: %w", rec.RateeID, models.ErrNotFound)
	}

	agg := apply(models.RatingAggregate{Sum: ratee.RatingSum, Count: ratee.RatingCount, Average: ratee.Rating}, rec.Value)
	ratee = ratee.Clone()
	ratee.RatingSum = agg.Sum
	ratee.RatingCount = agg.Count
	ratee.Rating = agg.Average
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	m.mu.Lock()
	if m.ratings[rec.RideID] == nil {
		m.ratings[rec.RideID] = make(map[models.Role]models.RatingRecord, 2)
	}
	m.ratings[rec.RideID][rec.RaterRole] = rec
	m.users[ratee.ID] = ratee
	m.mu.Unlock()
	return ratee.Clone(), nil
}

func (m *MemoryStore) SetAvailability(_ context.Context, driverID string, available bool) (models.User, error) {
	unlock := m.locks.Lock(userKey(driverID))
	defer unlock()

	m.mu.RLock()
	u, ok := m.users[driverID]
	m.mu.RUnlock()
	if err := checkDriver(driverID, u, ok); err != nil {
		return models.User{}, err
	}
	if available && u.Driver.ActiveRideID != "" {
		return models.User{}, fmt.Errorf("driver %s has active ride %s: %w", driverID, u.Driver.ActiveRideID, models.ErrDriverUnavailable)
	}
	u = u.Clone()
	u.Driver.Available = available

	m.mu.Lock()
	m.users[driverID] = u
	m.mu.Unlock()
	return u.Clone(), nil
}

func (m *MemoryStore) UpdateLocation(_ context.Context, driverID string, loc models.Coord) error {
	unlock := m.locks.Lock(userKey(driverID))
	defer unlock()

	m.mu.RLock()
	u, ok := m.users[driverID]
	m.mu.RUnlock()
	if err := checkDriver(driverID, u, ok); err != nil {
		return err
	}
	u = u.Clone()
	u.Driver.Location = loc

	m.mu.Lock()
	m.users[driverID] = u
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SetPayment(_ context.Context, rideID string, p models.Payment) error {
	unlock := m.locks.Lock(rideKey(rideID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	r = r.Clone()
	r.Payment = p
	m.rides[rideID] = r
	return nil
}

func (m *MemoryStore) DriverStats(_ context.Context, driverID string) (models.DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[driverID]
	if err := checkDriver(driverID, u, ok); err != nil {
		return models.DriverStats{}, err
	}
	st := models.DriverStats{AverageRating: u.Rating}
	for _, r := range m.rides {
		if r.DriverID != driverID || r.Status != models.StatusCompleted {
			continue
		}
		st.TotalRides++
		st.TotalEarnings += r.Fare.Amount
		st.TotalDistanceM += r.DistanceMeters
	}
	return st, nil
}

func checkDriver(id string, u models.User, ok bool) error {
	if !ok {
		return fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	if u.Driver == nil {
		return fmt.Errorf("user %s is not a driver: %w", id, models.ErrUnauthorized)
	}
	return nil
}
