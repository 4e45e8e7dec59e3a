package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ride-hailing/internal/dispatch"
	"github.com/example/ride-hailing/internal/eta"
	"github.com/example/ride-hailing/internal/fare"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/payments"
	"github.com/example/ride-hailing/internal/storage"
)

type EventPublisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// SurgeSource prices demand at a pickup point. Values below 1 are invalid.
type SurgeSource interface {
	Multiplier(ctx context.Context, pickup models.Coord, class models.RideClass) (float64, error)
}

type StaticSurge float64

func (s StaticSurge) Multiplier(context.Context, models.Coord, models.RideClass) (float64, error) {
	if s < 1 {
		return 1, nil
	}
	return float64(s), nil
}

// Actor is whoever drives an operation: a party to the ride or the system.
type Actor struct {
	ID   string
	Role models.Role
}

var System = Actor{Role: models.RoleSystem}

type RideRequest struct {
	RiderID       string               `json:"riderId"`
	Pickup        models.Place         `json:"pickup"`
	Destination   models.Place         `json:"destination"`
	Class         models.RideClass     `json:"rideClass"`
	PaymentMethod models.PaymentMethod `json:"paymentMethod"`
}

type Candidate struct {
	DriverID       string  `json:"driverId"`
	DistanceMeters float64 `json:"distanceMeters"`
	ETASeconds     float64 `json:"etaSeconds"`
	Offered        bool    `json:"offered"`
}

type RequestResult struct {
	Ride       models.Ride `json:"ride"`
	Candidates []Candidate `json:"candidates"`
}

type Quote struct {
	Fare            models.FareQuote `json:"fare"`
	DistanceMeters  float64          `json:"distanceMeters"`
	DurationSeconds float64          `json:"durationSeconds"`
}

// Service is the dispatch coordinator. Store is the source of truth for ride
// status and driver binding; Geo is a derived index kept in step after every
// committed change.
type Service struct {
	Store     storage.Store
	Geo       geo.Index
	Router    eta.Router
	Fares     *fare.Estimator
	Surge     SurgeSource
	Dispatch  dispatch.Dispatcher
	Payments  payments.Processor // optional
	Events    EventPublisher     // optional
	Locations LocationPublisher  // optional; positions then reach Geo through the consumer
	Logger    *slog.Logger

	DefaultSpeedMps float64
	TopN            int
	RadiusMeters    float64
	IndexAttempts   int
	IndexRetryDelay time.Duration
	Now             func() time.Time
	NewID           func() string

	drivers driverLocks
}

const maxTransitionAttempts = 3

func (s *Service) topN() int {
	if s.TopN <= 0 {
		return 5
	}
	return s.TopN
}

func (s *Service) radius() float64 {
	if s.RadiusMeters <= 0 {
		return 5000
	}
	return s.RadiusMeters
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, "matcher."+name, trace.WithAttributes(attrs...))
}

func validatePlace(field string, p models.Place) error {
	if strings.TrimSpace(p.Address) == "" {
		return models.Invalid(field+".address", "required")
	}
	if !p.Location.Valid() {
		return models.Invalid(field+".location", "coordinates out of range")
	}
	return nil
}

// Estimate prices a trip without creating a ride.
func (s *Service) Estimate(ctx context.Context, pickup, destination models.Place, class models.RideClass) (Quote, error) {
	if err := validatePlace("pickup", pickup); err != nil {
		return Quote{}, err
	}
	if err := validatePlace("destination", destination); err != nil {
		return Quote{}, err
	}
	if !class.Valid() {
		return Quote{}, models.Invalid("rideClass", "unknown ride class %q", class)
	}
	route, err := s.Router.Route(ctx, pickup.Location, destination.Location)
	if err != nil {
		return Quote{}, err
	}
	surge := 1.0
	if s.Surge != nil {
		if surge, err = s.Surge.Multiplier(ctx, pickup.Location, class); err != nil {
			return Quote{}, fmt.Errorf("surge: %w: %v", models.ErrDependencyUnavailable, err)
		}
	}
	money, err := s.Fares.Estimate(class, route.DistanceMeters, route.DurationSeconds, surge)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Fare:            models.FareQuote{Amount: money.Amount, Currency: money.Currency, SurgeMultiplier: surge},
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
	}, nil
}

// RequestRide prices the trip, creates the ride in requested status and
// offers it to the nearest available drivers. Offers are best-effort: a
// failed offer or index query never fails the request.
func (s *Service) RequestRide(ctx context.Context, req RideRequest) (RequestResult, error) {
	ctx, span := s.span(ctx, "RequestRide", attribute.String("rider.id", req.RiderID), attribute.String("ride.class", string(req.Class)))
	defer span.End()
	start := s.now()

	if req.RiderID == "" {
		return RequestResult{}, models.Invalid("riderId", "required")
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentCash
	}
	if !req.PaymentMethod.Valid() {
		return RequestResult{}, models.Invalid("paymentMethod", "unknown payment method %q", req.PaymentMethod)
	}
	rider, err := s.Store.GetUser(ctx, req.RiderID)
	if err != nil {
		return RequestResult{}, err
	}
	if rider.Role != models.RoleRider {
		return RequestResult{}, fmt.Errorf("user %s is not a rider: %w", rider.ID, models.ErrUnauthorized)
	}
	quote, err := s.Estimate(ctx, req.Pickup, req.Destination, req.Class)
	if err != nil {
		return RequestResult{}, err
	}

	now := s.now()
	r := models.Ride{
		ID:              s.newID(),
		RiderID:         rider.ID,
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		Class:           req.Class,
		Status:          models.StatusRequested,
		Fare:            quote.Fare,
		DistanceMeters:  quote.DistanceMeters,
		DurationSeconds: quote.DurationSeconds,
		Payment:         models.Payment{Method: req.PaymentMethod, Status: models.PaymentPending},
		Timestamps:      map[models.Status]time.Time{models.StatusRequested: now},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if r.Payment.Method == models.PaymentCard && s.Payments != nil {
		holdID, err := s.Payments.Hold(ctx, r.ID, models.Money{Amount: r.Fare.Amount, Currency: r.Fare.Currency})
		if err != nil {
			return RequestResult{}, fmt.Errorf("card authorization: %w: %v", models.ErrDependencyUnavailable, err)
		}
		r.Payment.TransactionID = holdID
	}
	if err := s.Store.CreateRide(ctx, r); err != nil {
		if r.Payment.TransactionID != "" {
			if cerr := s.Payments.Cancel(ctx, r.Payment.TransactionID); cerr != nil {
				s.logger().Warn("release card hold failed", "ride_id", r.ID, "error", cerr)
			}
		}
		return RequestResult{}, err
	}
	span.SetAttributes(attribute.String("ride.id", r.ID))
	observability.RidesRequested.WithLabelValues(string(r.Class)).Inc()
	s.publish(ctx, models.RideEvent{RideID: r.ID, To: models.StatusRequested, ActorRole: models.RoleRider, ActorID: rider.ID, At: now})
	s.logger().Info("ride requested", "ride_id", r.ID, "rider_id", rider.ID, "class", r.Class, "fare", r.Fare.Amount)

	candidates := s.offer(ctx, r)
	observability.CandidatesFound.Observe(float64(len(candidates)))
	observability.MatchLatency.Observe(s.now().Sub(start).Seconds())
	return RequestResult{Ride: r, Candidates: candidates}, nil
}

func (s *Service) offer(ctx context.Context, r models.Ride) []Candidate {
	nearby, err := s.Geo.QueryNearby(ctx, r.Pickup.Location, s.radius(), s.topN())
	if err != nil {
		s.logger().Warn("nearby query failed", "ride_id", r.ID, "error", err)
		return []Candidate{}
	}
	out := make([]Candidate, 0, len(nearby))
	for _, d := range nearby {
		c := Candidate{
			DriverID:       d.ID,
			DistanceMeters: d.DistanceMeters,
			ETASeconds:     eta.EstimateSeconds(d.Loc, r.Pickup.Location, s.DefaultSpeedMps),
		}
		offer := models.RideOffer{
			RideID:          r.ID,
			DriverID:        d.ID,
			Pickup:          r.Pickup,
			Destination:     r.Destination,
			Class:           r.Class,
			Fare:            r.Fare,
			PickupETA:       c.ETASeconds,
			PickupDistance:  d.DistanceMeters,
			TripDistance:    r.DistanceMeters,
			TripDurationSec: r.DurationSeconds,
		}
		if u, err := s.Store.GetUser(ctx, d.ID); err == nil && u.Driver != nil {
			offer.PushToken = u.Driver.PushToken
		}
		if s.Dispatch != nil {
			if err := s.Dispatch.Offer(ctx, offer); err != nil {
				observability.OffersTotal.WithLabelValues("failed").Inc()
				s.logger().Warn("offer failed", "ride_id", r.ID, "driver_id", d.ID, "error", err)
			} else {
				c.Offered = true
				observability.OffersTotal.WithLabelValues("sent").Inc()
			}
		}
		out = append(out, c)
	}
	return out
}

func (s *Service) publish(ctx context.Context, ev models.RideEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishRideEvent(ctx, ev); err != nil {
		s.logger().Warn("publish ride event failed", "ride_id", ev.RideID, "to", ev.To, "error", err)
	}
}

// GetRide returns a ride to one of its parties or the system. Any driver may
// look at a ride that is still waiting for a driver.
func (s *Service) GetRide(ctx context.Context, rideID string, actor Actor) (models.Ride, error) {
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if actor.Role == models.RoleSystem {
		return r, nil
	}
	if role, ok := r.PartyRole(actor.ID); ok && role == actor.Role {
		return r, nil
	}
	if actor.Role == models.RoleDriver && r.Status == models.StatusRequested {
		return r, nil
	}
	return models.Ride{}, fmt.Errorf("ride %s: %w", rideID, models.ErrUnauthorized)
}

type Page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// History lists the actor's rides newest first. page is 1-based.
func (s *Service) History(ctx context.Context, actor Actor, page, limit int) ([]models.Ride, Page, error) {
	if actor.Role != models.RoleRider && actor.Role != models.RoleDriver {
		return nil, Page{}, fmt.Errorf("history needs a rider or driver: %w", models.ErrUnauthorized)
	}
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	rides, total, err := s.Store.ListRides(ctx, actor.ID, actor.Role, (page-1)*limit, limit)
	if err != nil {
		return nil, Page{}, err
	}
	return rides, Page{Page: page, Limit: limit, Total: total, Pages: (total + limit - 1) / limit}, nil
}

// EnsureUser creates the local record for an authenticated user on first
// contact. Profile data comes from the account service; only identity and
// role are needed here.
func (s *Service) EnsureUser(ctx context.Context, id string, role models.Role, name string) (models.User, error) {
	switch role {
	case models.RoleRider:
		return s.Store.EnsureUser(ctx, models.NewRider(id, name))
	case models.RoleDriver:
		return s.Store.EnsureUser(ctx, models.NewDriver(id, name, models.Vehicle{}))
	}
	return models.User{}, models.Invalid("role", "no user record for role %q", role)
}
