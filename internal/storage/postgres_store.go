package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/ride"
)

// PostgresStore keeps rides, users and ratings in Postgres. Every atomic
// operation is one transaction using conditional UPDATEs; rows are touched
// in the order ride, driver, rider.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db.DB }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type userRow struct {
	ID           string          `db:"id"`
	Name         string          `db:"name"`
	Email        string          `db:"email"`
	Phone        string          `db:"phone"`
	Role         string          `db:"role"`
	Rating       float64         `db:"rating"`
	RatingSum    float64         `db:"rating_sum"`
	RatingCount  int             `db:"rating_count"`
	TotalRides   int             `db:"total_rides"`
	CreatedAt    time.Time       `db:"created_at"`
	Available    sql.NullBool    `db:"driver_available"`
	ActiveRide   sql.NullString  `db:"driver_active_ride"`
	Lat          sql.NullFloat64 `db:"driver_lat"`
	Lon          sql.NullFloat64 `db:"driver_lon"`
	VehicleType  sql.NullString  `db:"vehicle_type"`
	VehicleModel sql.NullString  `db:"vehicle_model"`
	VehicleNum   sql.NullString  `db:"vehicle_number"`
	License      sql.NullString  `db:"license"`
	Insurance    sql.NullString  `db:"insurance"`
	PushToken    sql.NullString  `db:"push_token"`
}

func (r userRow) toModel() models.User {
	u := models.User{
		ID:          r.ID,
		Name:        r.Name,
		Email:       r.Email,
		Phone:       r.Phone,
		Role:        models.Role(r.Role),
		Rating:      r.Rating,
		RatingSum:   r.RatingSum,
		RatingCount: r.RatingCount,
		TotalRides:  r.TotalRides,
		CreatedAt:   r.CreatedAt,
	}
	if u.Role == models.RoleDriver {
		u.Driver = &models.DriverProfile{
			Location:     models.Coord{Lat: r.Lat.Float64, Lon: r.Lon.Float64},
			Available:    r.Available.Bool,
			ActiveRideID: r.ActiveRide.String,
			Vehicle:      models.Vehicle{Type: r.VehicleType.String, Model: r.VehicleModel.String, Number: r.VehicleNum.String},
			Documents:    models.Documents{License: r.License.String, Insurance: r.Insurance.String},
			PushToken:    r.PushToken.String,
		}
	}
	return u
}

type rideRow struct {
	ID            string         `db:"id"`
	RiderID       string         `db:"rider_id"`
	DriverID      sql.NullString `db:"driver_id"`
	PickupAddress string         `db:"pickup_address"`
	PickupLat     float64        `db:"pickup_lat"`
	PickupLon     float64        `db:"pickup_lon"`
	DestAddress   string         `db:"dest_address"`
	DestLat       float64        `db:"dest_lat"`
	DestLon       float64        `db:"dest_lon"`
	Class         string         `db:"ride_class"`
	Status        string         `db:"status"`
	FareAmount    float64        `db:"fare_amount"`
	FareCurrency  string         `db:"fare_currency"`
	Surge         float64        `db:"surge_multiplier"`
	DistanceM     float64        `db:"distance_m"`
	DurationS     float64        `db:"duration_s"`
	PayMethod     string         `db:"payment_method"`
	PayStatus     string         `db:"payment_status"`
	PayTxn        string         `db:"payment_txn"`
	Timestamps    []byte         `db:"timestamps"`
	CancelledBy   sql.NullString `db:"cancelled_by"`
	CancelReason  sql.NullString `db:"cancel_reason"`
	Version       int            `db:"version"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r rideRow) toModel() (models.Ride, error) {
	out := models.Ride{
		ID:              r.ID,
		RiderID:         r.RiderID,
		DriverID:        r.DriverID.String,
		Pickup:          models.Place{Address: r.PickupAddress, Location: models.Coord{Lat: r.PickupLat, Lon: r.PickupLon}},
		Destination:     models.Place{Address: r.DestAddress, Location: models.Coord{Lat: r.DestLat, Lon: r.DestLon}},
		Class:           models.RideClass(r.Class),
		Status:          models.Status(r.Status),
		Fare:            models.FareQuote{Amount: r.FareAmount, Currency: r.FareCurrency, SurgeMultiplier: r.Surge},
		DistanceMeters:  r.DistanceM,
		DurationSeconds: r.DurationS,
		Payment:         models.Payment{Method: models.PaymentMethod(r.PayMethod), Status: models.PaymentStatus(r.PayStatus), TransactionID: r.PayTxn},
		Timestamps:      map[models.Status]time.Time{},
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Timestamps) > 0 {
		if err := json.Unmarshal(r.Timestamps, &out.Timestamps); err != nil {
			return models.Ride{}, fmt.Errorf("decode timestamps for ride %s: %w", r.ID, err)
		}
	}
	if r.CancelledBy.Valid {
		out.Cancellation = &models.Cancellation{By: models.Role(r.CancelledBy.String), Reason: r.CancelReason.String}
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const insertUserQuery = `
INSERT INTO users (id, name, email, phone, role, rating, created_at,
    driver_available, vehicle_type, vehicle_model, vehicle_number, license, insurance, push_token)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING`

const getUserQuery = `SELECT * FROM users WHERE id = $1`

func (p *PostgresStore) EnsureUser(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		return models.User{}, models.Invalid("id", "required")
	}
	var avail sql.NullBool
	var d models.DriverProfile
	if u.Driver != nil {
		d = *u.Driver
		avail = sql.NullBool{Bool: d.Available && d.ActiveRideID == "", Valid: true}
	}
	_, err := p.db.ExecContext(ctx, insertUserQuery,
		u.ID, u.Name, u.Email, u.Phone, string(u.Role), u.Rating, u.CreatedAt,
		avail, nullString(d.Vehicle.Type), nullString(d.Vehicle.Model), nullString(d.Vehicle.Number),
		nullString(d.Documents.License), nullString(d.Documents.Insurance), nullString(d.PushToken))
	if err != nil {
		return models.User{}, fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return p.GetUser(ctx, u.ID)
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (models.User, error) {
	var row userRow
	err := p.db.GetContext(ctx, &row, getUserQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.User{}, err
	}
	return row.toModel(), nil
}

const insertRideQuery = `
INSERT INTO rides (id, rider_id, driver_id, pickup_address, pickup_lat, pickup_lon,
    dest_address, dest_lat, dest_lon, ride_class, status, fare_amount, fare_currency,
    surge_multiplier, distance_m, duration_s, payment_method, payment_status, payment_txn,
    timestamps, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

func (p *PostgresStore) CreateRide(ctx context.Context, r models.Ride) error {
	ts, err := json.Marshal(r.Timestamps)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, insertRideQuery,
		r.ID, r.RiderID, nullString(r.DriverID), r.Pickup.Address, r.Pickup.Location.Lat, r.Pickup.Location.Lon,
		r.Destination.Address, r.Destination.Location.Lat, r.Destination.Location.Lon, string(r.Class), string(r.Status),
		r.Fare.Amount, r.Fare.Currency, r.Fare.SurgeMultiplier, r.DistanceMeters, r.DurationSeconds,
		string(r.Payment.Method), string(r.Payment.Status), r.Payment.TransactionID,
		string(ts), r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

const getRideQuery = `SELECT * FROM rides WHERE id = $1`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, getRideQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Ride{}, err
	}
	rides, err := p.withRatings(ctx, []rideRow{row})
	if err != nil {
		return models.Ride{}, err
	}
	return rides[0], nil
}

const ratingsForRidesQuery = `SELECT * FROM ride_ratings WHERE ride_id = ANY($1)`

// withRatings converts rows and fills the Ratings projection from ride_ratings.
func (p *PostgresStore) withRatings(ctx context.Context, rows []rideRow) ([]models.Ride, error) {
	out := make([]models.Ride, 0, len(rows))
	ids := make([]string, 0, len(rows))
	byID := make(map[string]int, len(rows))
	for _, row := range rows {
		r, err := row.toModel()
		if err != nil {
			return nil, err
		}
		byID[r.ID] = len(out)
		ids = append(ids, r.ID)
		out = append(out, r)
	}
	if len(ids) == 0 {
		return out, nil
	}
	var recs []models.RatingRecord
	if err := p.db.SelectContext(ctx, &recs, ratingsForRidesQuery, pq.Array(ids)); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		r := &out[byID[rec.RideID]]
		e := &models.RatingEntry{Value: rec.Value, Comment: rec.Comment}
		if rec.RaterRole == models.RoleRider {
			r.Ratings.Rider = e
		} else {
			r.Ratings.Driver = e
		}
	}
	return out, nil
}

const (
	listRiderRidesQuery   = `SELECT * FROM rides WHERE rider_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	listDriverRidesQuery  = `SELECT * FROM rides WHERE driver_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	countRiderRidesQuery  = `SELECT count(*) FROM rides WHERE rider_id = $1`
	countDriverRidesQuery = `SELECT count(*) FROM rides WHERE driver_id = $1`
)

func (p *PostgresStore) ListRides(ctx context.Context, userID string, role models.Role, offset, limit int) ([]models.Ride, int, error) {
	listQ, countQ := listRiderRidesQuery, countRiderRidesQuery
	if role == models.RoleDriver {
		listQ, countQ = listDriverRidesQuery, countDriverRidesQuery
	}
	var total int
	if err := p.db.GetContext(ctx, &total, countQ, userID); err != nil {
		return nil, 0, err
	}
	var rows []rideRow
	if err := p.db.SelectContext(ctx, &rows, listQ, userID, limit, offset); err != nil {
		return nil, 0, err
	}
	rides, err := p.withRatings(ctx, rows)
	if err != nil {
		return nil, 0, err
	}
	return rides, total, nil
}

const acceptRideQuery = `
UPDATE rides SET driver_id = $1, status = $2, timestamps = $3, version = version + 1, updated_at = $4
WHERE id = $5 AND status = 'requested' AND version = $6`

const bindDriverQuery = `
UPDATE users SET driver_available = FALSE, driver_active_ride = $1
WHERE id = $2 AND role = 'driver' AND driver_available AND driver_active_ride IS NULL`

func (p *PostgresStore) AcceptRide(ctx context.Context, expectedVersion int, next models.Ride) (models.Ride, error) {
	ts, err := json.Marshal(next.Timestamps)
	if err != nil {
		return models.Ride{}, err
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Ride{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, acceptRideQuery, next.DriverID, string(next.Status), string(ts), next.UpdatedAt, next.ID, expectedVersion)
	if err != nil {
		return models.Ride{}, fmt.Errorf("accept ride %s: %w", next.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := p.rideExists(ctx, tx, next.ID); err != nil {
			return models.Ride{}, err
		}
		return models.Ride{}, fmt.Errorf("ride %s: %w", next.ID, models.ErrRideUnavailable)
	}

	res, err = tx.ExecContext(ctx, bindDriverQuery, next.ID, next.DriverID)
	if err != nil {
		return models.Ride{}, fmt.Errorf("bind driver %s: %w", next.DriverID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var row userRow
		err := tx.GetContext(ctx, &row, getUserQuery, next.DriverID)
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ride{}, fmt.Errorf("driver %s: %w", next.DriverID, models.ErrNotFound)
		}
		if err == nil && row.Role != string(models.RoleDriver) {
			return models.Ride{}, fmt.Errorf("user %s is not a driver: %w", next.DriverID, models.ErrUnauthorized)
		}
		return models.Ride{}, fmt.Errorf("driver %s: %w", next.DriverID, models.ErrDriverUnavailable)
	}

	if err := tx.Commit(); err != nil {
		return models.Ride{}, err
	}
	return p.GetRide(ctx, next.ID)
}

func (p *PostgresStore) rideExists(ctx context.Context, tx *sqlx.Tx, id string) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, id); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return nil
}

const transitionRideQuery = `
UPDATE rides SET status = $1, timestamps = $2, cancelled_by = $3, cancel_reason = $4,
    version = version + 1, updated_at = $5
WHERE id = $6 AND version = $7`

const releaseDriverQuery = `
UPDATE users SET driver_available = TRUE, driver_active_ride = NULL
WHERE id = $1 AND driver_active_ride = $2`

const countRideQuery = `UPDATE users SET total_rides = total_rides + 1 WHERE id = $1`

func (p *PostgresStore) CommitTransition(ctx context.Context, expectedVersion int, next models.Ride, fx ride.Effects) (models.Ride, error) {
	ts, err := json.Marshal(next.Timestamps)
	if err != nil {
		return models.Ride{}, err
	}
	var by, reason sql.NullString
	if next.Cancellation != nil {
		by = nullString(string(next.Cancellation.By))
		reason = sql.NullString{String: next.Cancellation.Reason, Valid: true}
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Ride{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, transitionRideQuery, string(next.Status), string(ts), by, reason, next.UpdatedAt, next.ID, expectedVersion)
	if err != nil {
		return models.Ride{}, fmt.Errorf("transition ride %s: %w", next.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := p.rideExists(ctx, tx, next.ID); err != nil {
			return models.Ride{}, err
		}
		return models.Ride{}, fmt.Errorf("ride %s: %w", next.ID, ErrConflict)
	}

	if fx.ReleaseDriver && next.DriverID != "" {
		if _, err := tx.ExecContext(ctx, releaseDriverQuery, next.DriverID, next.ID); err != nil {
			return models.Ride{}, fmt.Errorf("release driver %s: %w", next.DriverID, err)
		}
	}
	if fx.CountRide {
		for _, id := range []string{next.DriverID, next.RiderID} {
			if id == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, countRideQuery, id); err != nil {
				return models.Ride{}, fmt.Errorf("count ride for %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Ride{}, err
	}
	return p.GetRide(ctx, next.ID)
}

const (
	rideStatusForShareQuery = `SELECT status FROM rides WHERE id = $1 FOR SHARE`
	insertRatingQuery       = `
INSERT INTO ride_ratings (ride_id, rater_role, rater_id, ratee_id, value, comment, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (ride_id, rater_role) DO NOTHING`
	lockRateeQuery   = `SELECT * FROM users WHERE id = $1 FOR UPDATE`
	updateRateeQuery = `UPDATE users SET rating = $1, rating_sum = $2, rating_count = $3 WHERE id = $4`
)

func (p *PostgresStore) RecordRating(ctx context.Context, rec models.RatingRecord, apply AggregateFunc) (models.User, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.User{}, err
	}
	defer tx.Rollback()

	var status string
	err = tx.GetContext(ctx, &status, rideStatusForShareQuery, rec.RideID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("ride %s: %w", rec.RideID, models.ErrNotFound)
	}
	if err != nil {
		return models.User{}, err
	}
	if models.Status(status) != models.StatusCompleted {
		return models.User{}, fmt.Errorf("ride %s is %s: %w", rec.RideID, status, models.ErrRideNotRateable)
	}

	res, err := tx.ExecContext(ctx, insertRatingQuery, rec.RideID, string(rec.RaterRole), rec.RaterID, rec.RateeID, rec.Value, rec.Comment, rec.CreatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("insert rating: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.User{}, fmt.Errorf("ride %s by %s: %w", rec.RideID, rec.RaterRole, models.ErrAlreadyRated)
	}

	var row userRow
	err = tx.GetContext(ctx, &row, lockRateeQuery, rec.RateeID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", rec.RateeID, models.ErrNotFound)
	}
	if err != nil {
		return models.User{}, err
	}
	agg := apply(models.RatingAggregate{Sum: row.RatingSum, Count: row.RatingCount, Average: row.Rating}, rec.Value)
	if _, err := tx.ExecContext(ctx, updateRateeQuery, agg.Average, agg.Sum, agg.Count, rec.RateeID); err != nil {
		return models.User{}, fmt.Errorf("update ratee %s: %w", rec.RateeID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.User{}, err
	}

	u := row.toModel()
	u.Rating, u.RatingSum, u.RatingCount = agg.Average, agg.Sum, agg.Count
	return u, nil
}

const setAvailabilityQuery = `
UPDATE users SET driver_available = $1
WHERE id = $2 AND role = 'driver' AND (NOT $1::boolean OR driver_active_ride IS NULL)`

func (p *PostgresStore) SetAvailability(ctx context.Context, driverID string, available bool) (models.User, error) {
	res, err := p.db.ExecContext(ctx, setAvailabilityQuery, available, driverID)
	if err != nil {
		return models.User{}, fmt.Errorf("set availability %s: %w", driverID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		u, err := p.GetUser(ctx, driverID)
		if err != nil {
			return models.User{}, err
		}
		if u.Driver == nil {
			return models.User{}, fmt.Errorf("user %s is not a driver: %w", driverID, models.ErrUnauthorized)
		}
		return models.User{}, fmt.Errorf("driver %s has active ride %s: %w", driverID, u.Driver.ActiveRideID, models.ErrDriverUnavailable)
	}
	return p.GetUser(ctx, driverID)
}

const updateLocationQuery = `UPDATE users SET driver_lat = $1, driver_lon = $2 WHERE id = $3 AND role = 'driver'`

func (p *PostgresStore) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx, updateLocationQuery, loc.Lat, loc.Lon, driverID)
	if err != nil {
		return fmt.Errorf("update location %s: %w", driverID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		u, err := p.GetUser(ctx, driverID)
		if err != nil {
			return err
		}
		return fmt.Errorf("user %s is not a driver: %w", u.ID, models.ErrUnauthorized)
	}
	return nil
}

const setPaymentQuery = `UPDATE rides SET payment_method = $1, payment_status = $2, payment_txn = $3 WHERE id = $4`

func (p *PostgresStore) SetPayment(ctx context.Context, rideID string, pay models.Payment) error {
	res, err := p.db.ExecContext(ctx, setPaymentQuery, string(pay.Method), string(pay.Status), pay.TransactionID, rideID)
	if err != nil {
		return fmt.Errorf("set payment %s: %w", rideID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	return nil
}

const driverStatsQuery = `
SELECT count(*) AS total_rides,
       COALESCE(sum(fare_amount), 0) AS total_earnings,
       COALESCE(sum(distance_m), 0) AS total_distance
FROM rides WHERE driver_id = $1 AND status = 'completed'`

func (p *PostgresStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	u, err := p.GetUser(ctx, driverID)
	if err != nil {
		return models.DriverStats{}, err
	}
	if u.Driver == nil {
		return models.DriverStats{}, fmt.Errorf("user %s is not a driver: %w", driverID, models.ErrUnauthorized)
	}
	var st models.DriverStats
	if err := p.db.GetContext(ctx, &st, driverStatsQuery, driverID); err != nil {
		return models.DriverStats{}, err
	}
	st.AverageRating = u.Rating
	return st, nil
}
