package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a point on the WGS84 globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Place struct {
	Address  string `json:"address"`
	Location Coord  `json:"location"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	// RoleSystem is used for automated actors such as a trip-end signal or a
	// stale-request scheduler. It never owns a User record.
	RoleSystem Role = "system"
)

type RideClass string

const (
	ClassEconomy RideClass = "economy"
	ClassPremium RideClass = "premium"
	ClassLuxury  RideClass = "luxury"
)

func (c RideClass) Valid() bool {
	switch c {
	case ClassEconomy, ClassPremium, ClassLuxury:
		return true
	}
	return false
}

type Status string

const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusArrived   Status = "arrived"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentWallet PaymentMethod = "wallet"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentWallet:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type FareQuote struct {
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
}

type Payment struct {
	Method        PaymentMethod `json:"method"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transactionId,omitempty"`
}

type RatingEntry struct {
	Value   int    `json:"value"`
	Comment string `json:"comment,omitempty"`
}

type Ratings struct {
	Rider  *RatingEntry `json:"rider,omitempty"`
	Driver *RatingEntry `json:"driver,omitempty"`
}

type Cancellation struct {
	By     Role   `json:"by"`
	Reason string `json:"reason,omitempty"`
}

type Ride struct {
	ID              string               `json:"id"`
	RiderID         string               `json:"riderId"`
	DriverID        string               `json:"driverId,omitempty"`
	Pickup          Place                `json:"pickup"`
	Destination     Place                `json:"destination"`
	Class           RideClass            `json:"rideClass"`
	Status          Status               `json:"status"`
	Fare            FareQuote            `json:"fare"`
	DistanceMeters  float64              `json:"distanceMeters"`
	DurationSeconds float64              `json:"durationSeconds"`
	Payment         Payment              `json:"payment"`
	Ratings         Ratings              `json:"ratings"`
	Timestamps      map[Status]time.Time `json:"timestamps"`
	Cancellation    *Cancellation        `json:"cancellation,omitempty"`
	Version         int                  `json:"version"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// Clone returns a deep copy so callers can derive a new ride without
// aliasing the timestamp map or the optional sub-records.
func (r Ride) Clone() Ride {
	out := r
	out.Timestamps = make(map[Status]time.Time, len(r.Timestamps))
	for k, v := range r.Timestamps {
		out.Timestamps[k] = v
	}
	if r.Cancellation != nil {
		c := *r.Cancellation
		out.Cancellation = &c
	}
	if r.Ratings.Rider != nil {
		e := *r.Ratings.Rider
		out.Ratings.Rider = &e
	}
	if r.Ratings.Driver != nil {
		e := *r.Ratings.Driver
		out.Ratings.Driver = &e
	}
	return out
}

// PartyRole returns the role userID plays on the ride, or false when the
// user is not a party to it.
func (r Ride) PartyRole(userID string) (Role, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == r.RiderID:
		return RoleRider, true
	case userID == r.DriverID:
		return RoleDriver, true
	}
	return "", false
}

type Vehicle struct {
	Type   string `json:"type"` // car, bike, auto
	Model  string `json:"model"`
	Number string `json:"number"`
}

type Documents struct {
	License   string `json:"license,omitempty"`
	Insurance string `json:"insurance,omitempty"`
}

// DriverProfile only exists on users with the driver role, so availability
// cannot be expressed for riders at all.
type DriverProfile struct {
	Location     Coord     `json:"location"`
	Available    bool      `json:"available"`
	ActiveRideID string    `json:"activeRideId,omitempty"`
	Vehicle      Vehicle   `json:"vehicle"`
	Documents    Documents `json:"documents"`
	PushToken    string    `json:"-"`
}

type User struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Role        Role           `json:"role"`
	Rating      float64        `json:"rating"`
	RatingCount int            `json:"ratingCount"`
	RatingSum   float64        `json:"-"`
	TotalRides  int            `json:"totalRides"`
	Driver      *DriverProfile `json:"driver,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// DefaultRating is the reputation a user starts with before any ride is rated.
const DefaultRating = 5.0

// NewRider and NewDriver build the two user variants.
func NewRider(id, name string) User {
	return User{ID: id, Name: name, Role: RoleRider, Rating: DefaultRating, CreatedAt: time.Now()}
}

func NewDriver(id, name string, v Vehicle) User {
	return User{
		ID:        id,
		Name:      name,
		Role:      RoleDriver,
		Rating:    DefaultRating,
		Driver:    &DriverProfile{Vehicle: v},
		CreatedAt: time.Now(),
	}
}

func (u User) Clone() User {
	out := u
	if u.Driver != nil {
		d := *u.Driver
		out.Driver = &d
	}
	return out
}

type RatingRecord struct {
	RideID    string    `json:"rideId" db:"ride_id"`
	RaterRole Role      `json:"raterRole" db:"rater_role"`
	RaterID   string    `json:"raterId" db:"rater_id"`
	RateeID   string    `json:"rateeId" db:"ratee_id"`
	Value     int       `json:"value" db:"value"`
	Comment   string    `json:"comment,omitempty" db:"comment"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// RatingAggregate is the running-mean state kept per user.
type RatingAggregate struct {
	Sum     float64
	Count   int
	Average float64
}

type NearbyDriver struct {
	ID             string  `json:"id"`
	Loc            Coord   `json:"loc"`
	DistanceMeters float64 `json:"distanceMeters"`
}

type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

type RideOffer struct {
	RideID          string    `json:"ride_id"`
	DriverID        string    `json:"driver_id"`
	PushToken       string    `json:"-"`
	Pickup          Place     `json:"pickup"`
	Destination     Place     `json:"destination"`
	Class           RideClass `json:"ride_class"`
	Fare            FareQuote `json:"fare"`
	PickupETA       float64   `json:"pickup_eta_seconds"`
	PickupDistance  float64   `json:"pickup_distance_meters"`
	TripDistance    float64   `json:"trip_distance_meters"`
	TripDurationSec float64   `json:"trip_duration_seconds"`
}

type RideEvent struct {
	RideID    string    `json:"ride_id"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	ActorRole Role      `json:"actor_role"`
	ActorID   string    `json:"actor_id,omitempty"`
	At        time.Time `json:"at"`
}

type DriverStats struct {
	TotalRides     int     `json:"totalRides" db:"total_rides"`
	TotalEarnings  float64 `json:"totalEarnings" db:"total_earnings"`
	AverageRating  float64 `json:"averageRating" db:"average_rating"`
	TotalDistanceM float64 `json:"totalDistance" db:"total_distance"`
}
