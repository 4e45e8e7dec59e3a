package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-hailing/internal/eta"
	"github.com/example/ride-hailing/internal/fare"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/logging"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/storage"
)

// fixedRouter reports every trip as 10 km in 10 minutes.
type fixedRouter struct{}

func (fixedRouter) Route(context.Context, models.Coord, models.Coord) (eta.Route, error) {
	return eta.Route{DistanceMeters: 10000, DurationSeconds: 600}, nil
}

type recordingDispatch struct {
	mu     sync.Mutex
	offers []models.RideOffer
	fail   map[string]bool
}

func (d *recordingDispatch) Offer(_ context.Context, o models.RideOffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[o.DriverID] {
		return errors.New("socket closed")
	}
	d.offers = append(d.offers, o)
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []models.RideEvent
}

func (e *recordingEvents) PublishRideEvent(_ context.Context, ev models.RideEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

type recordingLocations struct {
	locs []models.DriverLocation
}

func (l *recordingLocations) PublishLocation(_ context.Context, loc models.DriverLocation) error {
	l.locs = append(l.locs, loc)
	return nil
}

type fakeProcessor struct {
	holds, captures, cancels atomic.Int32
	holdErr                  error
}

func (p *fakeProcessor) Hold(context.Context, string, models.Money) (string, error) {
	if p.holdErr != nil {
		return "", p.holdErr
	}
	return fmt.Sprintf("pi_%d", p.holds.Add(1)), nil
}

func (p *fakeProcessor) Capture(context.Context, string) error {
	p.captures.Add(1)
	return nil
}

func (p *fakeProcessor) Cancel(context.Context, string) error {
	p.cancels.Add(1)
	return nil
}

var (
	pickup      = models.Place{Address: "MG Road", Location: models.Coord{Lat: 12.9716, Lon: 77.5946}}
	destination = models.Place{Address: "Airport", Location: models.Coord{Lat: 13.1986, Lon: 77.7066}}
)

type harness struct {
	svc      *Service
	store    *storage.MemoryStore
	geo      *geo.MemoryIndex
	dispatch *recordingDispatch
	events   *recordingEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(),
		geo:      geo.NewMemoryIndex(),
		dispatch: &recordingDispatch{fail: map[string]bool{}},
		events:   &recordingEvents{},
	}
	var seq atomic.Int32
	h.svc = &Service{
		Store:           h.store,
		Geo:             h.geo,
		Router:          fixedRouter{},
		Fares:           fare.NewEstimator(fare.DefaultRates()),
		Surge:           StaticSurge(1),
		Dispatch:        h.dispatch,
		Events:          h.events,
		Logger:          logging.Discard(),
		DefaultSpeedMps: 10,
		NewID:           func() string { return fmt.Sprintf("ride-%d", seq.Add(1)) },
	}
	if _, err := h.svc.EnsureUser(context.Background(), "rider-1", models.RoleRider, "Asha"); err != nil {
		t.Fatalf("rider: %v", err)
	}
	return h
}

// addDriver registers an available driver metersNorth of the pickup point.
func (h *harness) addDriver(t *testing.T, id string, metersNorth float64) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.svc.EnsureUser(ctx, id, models.RoleDriver, id); err != nil {
		t.Fatalf("driver %s: %v", id, err)
	}
	loc := models.Coord{Lat: pickup.Location.Lat + metersNorth/111195, Lon: pickup.Location.Lon}
	if err := h.svc.UpdateLocation(ctx, id, loc); err != nil {
		t.Fatalf("location %s: %v", id, err)
	}
	if _, err := h.svc.SetAvailability(ctx, id, true); err != nil {
		t.Fatalf("availability %s: %v", id, err)
	}
}

func (h *harness) request(t *testing.T, method models.PaymentMethod) RequestResult {
	t.Helper()
	res, err := h.svc.RequestRide(context.Background(), RideRequest{
		RiderID: "rider-1", Pickup: pickup, Destination: destination,
		Class: models.ClassEconomy, PaymentMethod: method,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return res
}

func rider() Actor           { return Actor{ID: "rider-1", Role: models.RoleRider} }
func driver(id string) Actor { return Actor{ID: id, Role: models.RoleDriver} }

func expectKind(t *testing.T, err error, want string) {
	t.Helper()
	if got := models.Kind(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func TestRequestRideOffersNearestAvailable(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "far", 3000)
	h.addDriver(t, "near", 200)
	h.addDriver(t, "mid", 1000)
	h.addDriver(t, "offline", 100)
	if _, err := h.svc.SetAvailability(context.Background(), "offline", false); err != nil {
		t.Fatal(err)
	}
	h.addDriver(t, "outside", 9000)
	h.dispatch.fail["mid"] = true

	res := h.request(t, "")
	r := res.Ride
	if r.Status != models.StatusRequested || r.Version != 0 {
		t.Fatalf("unexpected ride %+v", r)
	}
	if r.Fare.Amount != 20 || r.Fare.Currency != "USD" || r.Fare.SurgeMultiplier != 1 {
		t.Fatalf("unexpected fare %+v", r.Fare)
	}
	if r.Payment.Method != models.PaymentCash || r.Payment.Status != models.PaymentPending {
		t.Fatalf("unexpected payment %+v", r.Payment)
	}
	if _, ok := r.Timestamps[models.StatusRequested]; !ok {
		t.Fatal("requested timestamp missing")
	}

	var ids []string
	for _, c := range res.Candidates {
		ids = append(ids, c.DriverID)
	}
	if fmt.Sprint(ids) != "[near mid far]" {
		t.Fatalf("candidates = %v", ids)
	}
	if !res.Candidates[0].Offered || res.Candidates[1].Offered {
		t.Fatalf("offer flags wrong: %+v", res.Candidates)
	}
	if len(h.dispatch.offers) != 2 || h.dispatch.offers[0].RideID != r.ID {
		t.Fatalf("offers = %+v", h.dispatch.offers)
	}
}

func TestRequestRideValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := map[string]RideRequest{
		"no rider":    {Pickup: pickup, Destination: destination, Class: models.ClassEconomy},
		"bad class":   {RiderID: "rider-1", Pickup: pickup, Destination: destination, Class: "rocket"},
		"bad coords":  {RiderID: "rider-1", Pickup: models.Place{Address: "x", Location: models.Coord{Lat: 91}}, Destination: destination, Class: models.ClassEconomy},
		"no address":  {RiderID: "rider-1", Pickup: models.Place{Location: pickup.Location}, Destination: destination, Class: models.ClassEconomy},
		"bad payment": {RiderID: "rider-1", Pickup: pickup, Destination: destination, Class: models.ClassEconomy, PaymentMethod: "barter"},
	}
	for name, req := range cases {
		if _, err := h.svc.RequestRide(ctx, req); !errors.Is(err, models.ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}

	h.addDriver(t, "d1", 100)
	_, err := h.svc.RequestRide(ctx, RideRequest{RiderID: "d1", Pickup: pickup, Destination: destination, Class: models.ClassEconomy})
	expectKind(t, err, "Unauthorized")
}

func TestRideLifecycle(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 100)
	ctx := context.Background()
	r := h.request(t, models.PaymentCash).Ride

	got, err := h.svc.AcceptRide(ctx, r.ID, "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != models.StatusAccepted || got.DriverID != "d1" || got.Version != 1 {
		t.Fatalf("unexpected accepted ride %+v", got)
	}
	if near, _ := h.svc.NearbyDrivers(ctx, pickup.Location, 0, 0); len(near) != 0 {
		t.Fatalf("busy driver still offered: %+v", near)
	}

	for _, s := range []models.Status{models.StatusArrived, models.StatusStarted, models.StatusCompleted} {
		if got, err = h.svc.UpdateStatus(ctx, r.ID, s, driver("d1")); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	if got.Status != models.StatusCompleted || got.Payment.Status != models.PaymentCompleted {
		t.Fatalf("unexpected completed ride %+v", got)
	}
	for _, s := range []models.Status{models.StatusAccepted, models.StatusArrived, models.StatusStarted, models.StatusCompleted} {
		if _, ok := got.Timestamps[s]; !ok {
			t.Fatalf("timestamp %s missing", s)
		}
	}

	d, _ := h.store.GetUser(ctx, "d1")
	if !d.Driver.Available || d.Driver.ActiveRideID != "" || d.TotalRides != 1 {
		t.Fatalf("driver not released: %+v", d.Driver)
	}
	rd, _ := h.store.GetUser(ctx, "rider-1")
	if rd.TotalRides != 1 {
		t.Fatalf("rider total rides = %d", rd.TotalRides)
	}
	if near, _ := h.svc.NearbyDrivers(ctx, pickup.Location, 0, 0); len(near) != 1 {
		t.Fatalf("released driver not offered again: %+v", near)
	}
	st, err := h.svc.DriverStats(ctx, "d1")
	if err != nil || st.TotalRides != 1 || st.TotalEarnings != 20 {
		t.Fatalf("stats %+v %v", st, err)
	}
	if len(h.events.events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(h.events.events))
	}

	_, err = h.svc.UpdateStatus(ctx, r.ID, models.StatusStarted, driver("d1"))
	expectKind(t, err, "InvalidTransition")
	_, err = h.svc.CancelRide(ctx, r.ID, rider(), "")
	expectKind(t, err, "InvalidTransition")
}

func TestSkippingStatesIsRejected(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 100)
	ctx := context.Background()
	r := h.request(t, "").Ride
	if _, err := h.svc.AcceptRide(ctx, r.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.UpdateStatus(ctx, r.ID, models.StatusCompleted, driver("d1"))
	var te *models.TransitionError
	if !errors.As(err, &te) || te.Current != models.StatusAccepted || te.Attempted != models.StatusCompleted {
		t.Fatalf("expected transition error, got %v", err)
	}
	_, err = h.svc.UpdateStatus(ctx, r.ID, models.StatusRequested, System)
	expectKind(t, err, "ValidationError")
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	const n = 16
	for i := 0; i < n; i++ {
		h.addDriver(t, fmt.Sprintf("d%d", i), float64(100+i))
	}
	r := h.request(t, "").Ride

	start := make(chan struct{})
	var wg sync.WaitGroup
	var wins atomic.Int32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			if _, err := h.svc.AcceptRide(context.Background(), r.ID, id); err != nil {
				errs <- err
				return
			}
			wins.Add(1)
		}(fmt.Sprintf("d%d", i))
	}
	close(start)
	wg.Wait()
	close(errs)

	if wins.Load() != 1 {
		t.Fatalf("%d winners", wins.Load())
	}
	for err := range errs {
		if !errors.Is(err, models.ErrRideUnavailable) {
			t.Fatalf("loser got %v", err)
		}
	}
	got, _ := h.store.GetRide(context.Background(), r.ID)
	busy := 0
	for i := 0; i < n; i++ {
		u, _ := h.store.GetUser(context.Background(), fmt.Sprintf("d%d", i))
		if u.Driver.ActiveRideID != "" {
			busy++
			if u.ID != got.DriverID {
				t.Fatalf("driver %s bound to a ride it does not hold", u.ID)
			}
		}
	}
	if busy != 1 {
		t.Fatalf("%d drivers bound", busy)
	}
}

func TestDriverCannotHoldTwoRides(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 100)
	ctx := context.Background()
	r1 := h.request(t, "").Ride
	r2 := h.request(t, "").Ride

	if _, err := h.svc.AcceptRide(ctx, r1.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.AcceptRide(ctx, r2.ID, "d1")
	expectKind(t, err, "DriverUnavailable")
	_, err = h.svc.SetAvailability(ctx, "d1", true)
	expectKind(t, err, "DriverUnavailable")
}

func TestAcceptRacesCancel(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		h.addDriver(t, "d1", 100)
		r := h.request(t, "").Ride

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = h.svc.AcceptRide(context.Background(), r.ID, "d1")
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = h.svc.CancelRide(context.Background(), r.ID, rider(), "changed plans")
		}()
		wg.Wait()

		got, _ := h.store.GetRide(context.Background(), r.ID)
		d, _ := h.store.GetUser(context.Background(), "d1")
		if cancelErr != nil {
			t.Fatalf("cancel failed: %v", cancelErr)
		}
		if got.Status != models.StatusCancelled || got.Cancellation == nil || got.Cancellation.By != models.RoleRider {
			t.Fatalf("ride not cancelled: %+v", got)
		}
		if acceptErr == nil && got.DriverID != "d1" {
			t.Fatalf("accept won but driver not bound: %+v", got)
		}
		if d.Driver.ActiveRideID != "" || !d.Driver.Available {
			t.Fatalf("driver left bound to cancelled ride: %+v", d.Driver)
		}
	}
}

func TestConcurrentCompletionsCountOnce(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 100)
	ctx := context.Background()
	r := h.request(t, "").Ride
	if _, err := h.svc.AcceptRide(ctx, r.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	for _, s := range []models.Status{models.StatusArrived, models.StatusStarted} {
		if _, err := h.svc.UpdateStatus(ctx, r.ID, s, driver("d1")); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.UpdateStatus(ctx, r.ID, models.StatusCompleted, driver("d1")); err == nil {
				ok.Add(1)
			} else if !errors.Is(err, models.ErrInvalidTransition) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Fatalf("%d completions succeeded", ok.Load())
	}
	d, _ := h.store.GetUser(ctx, "d1")
	if d.TotalRides != 1 {
		t.Fatalf("driver total rides = %d", d.TotalRides)
	}
}

func TestActorsMustBeParties(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 100)
	h.addDriver(t, "d2", 200)
	ctx := context.Background()
	if _, err := h.svc.EnsureUser(ctx, "rider-2", models.RoleRider, "Ben"); err != nil {
		t.Fatal(err)
	}
	r := h.request(t, "").Ride

	if _, err := h.svc.GetRide(ctx, r.ID, driver("d2")); err != nil {
		t.Fatalf("drivers should see open rides: %v", err)
	}
	_, err := h.svc.GetRide(ctx, r.ID, Actor{ID: "rider-2", Role: models.RoleRider})
	expectKind(t, err, "Unauthorized")
	_, err = h.svc.UpdateStatus(ctx, r.ID, models.StatusAccepted, rider())
	expectKind(t, err, "Unauthorized")

	if _, err := h.svc.AcceptRide(ctx, r.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	_, err = h.svc.UpdateStatus(ctx, r.ID, models.StatusArrived, driver("d2"))
	expectKind(t, err, "Unauthorized")
	_, err = h.svc.GetRide(ctx, r.ID, driver("d2"))
	expectKind(t, err, "Unauthorized")
	_, err = h.svc.UpdateStatus(ctx, r.ID, models.StatusArrived, rider())
	expectKind(t, err, "Unauthorized")
	_, err = h.svc.AcceptRide(ctx, "missing", "d2")
	expectKind(t, err, "NotFound")

	_, err = h.svc.UpdateStatus(ctx, r.ID, models.StatusArrived, System)
	expectKind(t, err, "Unauthorized")
	if _, err := h.svc.CancelRide(ctx, r.ID, System, "no-show"); err != nil {
		t.Fatalf("system cancel: %v", err)
	}
}

func TestCardPaymentsFollowTheRide(t *testing.T) {
	h := newHarness(t)
	pay := &fakeProcessor{}
	h.svc.Payments = pay
	h.addDriver(t, "d1", 100)
	ctx := context.Background()

	done := h.request(t, models.PaymentCard).Ride
	if done.Payment.TransactionID == "" {
		t.Fatal("card ride without hold")
	}
	if _, err := h.svc.AcceptRide(ctx, done.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	var got models.Ride
	var err error
	for _, s := range []models.Status{models.StatusArrived, models.StatusStarted, models.StatusCompleted} {
		if got, err = h.svc.UpdateStatus(ctx, done.ID, s, driver("d1")); err != nil {
			t.Fatal(err)
		}
	}
	if got.Payment.Status != models.PaymentCompleted || pay.captures.Load() != 1 {
		t.Fatalf("capture missing: %+v captures=%d", got.Payment, pay.captures.Load())
	}

	cancelled := h.request(t, models.PaymentCard).Ride
	got, err = h.svc.CancelRide(ctx, cancelled.ID, rider(), "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Payment.Status != models.PaymentFailed || pay.cancels.Load() != 1 {
		t.Fatalf("hold not released: %+v cancels=%d", got.Payment, pay.cancels.Load())
	}
	stored, _ := h.store.GetRide(ctx, cancelled.ID)
	if stored.Payment.Status != models.PaymentFailed {
		t.Fatalf("payment status not stored: %+v", stored.Payment)
	}

	pay.holdErr = errors.New("card declined")
	_, err = h.svc.RequestRide(ctx, RideRequest{RiderID: "rider-1", Pickup: pickup, Destination: destination, Class: models.ClassEconomy, PaymentMethod: models.PaymentCard})
	expectKind(t, err, "DependencyUnavailable")
}

func TestHistoryPaging(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.svc.Now = func(i int) func() time.Time {
			return func() time.Time { return time.Date(2024, 1, 1, 10, i, 0, 0, time.UTC) }
		}(i)
		h.request(t, "")
	}
	rides, page, err := h.svc.History(context.Background(), rider(), 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || page.Pages != 3 || len(rides) != 2 {
		t.Fatalf("page %+v with %d rides", page, len(rides))
	}
	if rides[0].ID != "ride-3" || rides[1].ID != "ride-2" {
		t.Fatalf("not newest first: %s %s", rides[0].ID, rides[1].ID)
	}
	_, _, err = h.svc.History(context.Background(), System, 1, 10)
	expectKind(t, err, "Unauthorized")
}

func TestUpdateLocationPublishesWhenConfigured(t *testing.T) {
	h := newHarness(t)
	locs := &recordingLocations{}
	h.svc.Locations = locs
	ctx := context.Background()
	if _, err := h.svc.EnsureUser(ctx, "d1", models.RoleDriver, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.UpdateLocation(ctx, "d1", pickup.Location); err != nil {
		t.Fatal(err)
	}
	if len(locs.locs) != 1 || locs.locs[0].DriverID != "d1" {
		t.Fatalf("location not published: %+v", locs.locs)
	}
	if _, err := h.svc.SetAvailability(ctx, "d1", true); err != nil {
		t.Fatal(err)
	}
	// the consumer owns index positions in this mode
	if near, _ := h.svc.NearbyDrivers(ctx, pickup.Location, 0, 0); len(near) != 0 {
		t.Fatalf("index updated directly: %+v", near)
	}
	err := h.svc.UpdateLocation(ctx, "d1", models.Coord{Lat: 100})
	expectKind(t, err, "ValidationError")
	err = h.svc.UpdateLocation(ctx, "rider-1", pickup.Location)
	expectKind(t, err, "Unauthorized")
}

// gatedIndex holds the first SetAvailability(true) for driverID until release
// is closed.
type gatedIndex struct {
	*geo.MemoryIndex
	driverID string
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (g *gatedIndex) SetAvailability(ctx context.Context, driverID string, available bool) error {
	if available && driverID == g.driverID {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.MemoryIndex.SetAvailability(ctx, driverID, available)
}

func TestOfflineToggleIsNotOverwrittenByCompletion(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 100)
	ctx := context.Background()
	r := h.request(t, models.PaymentCash).Ride
	if _, err := h.svc.AcceptRide(ctx, r.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, s := range []models.Status{models.StatusArrived, models.StatusStarted} {
		if _, err := h.svc.UpdateStatus(ctx, r.ID, s, driver("d1")); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}

	gate := &gatedIndex{MemoryIndex: h.geo, driverID: "d1", entered: make(chan struct{}), release: make(chan struct{})}
	h.svc.Geo = gate

	completed := make(chan error, 1)
	go func() {
		_, err := h.svc.UpdateStatus(ctx, r.ID, models.StatusCompleted, driver("d1"))
		completed <- err
	}()
	<-gate.entered

	offline := make(chan error, 1)
	go func() {
		_, err := h.svc.SetAvailability(ctx, "d1", false)
		offline <- err
	}()
	select {
	case err := <-offline:
		t.Fatalf("offline toggle finished while the completion index write was pending: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	if err := <-completed; err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := <-offline; err != nil {
		t.Fatalf("offline: %v", err)
	}

	d, _ := h.store.GetUser(ctx, "d1")
	if d.Driver.Available {
		t.Fatalf("store still has d1 available")
	}
	near, err := h.svc.NearbyDrivers(ctx, pickup.Location, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range near {
		if n.ID == "d1" {
			t.Fatalf("offline driver d1 still in the index: %+v", near)
		}
	}
}

// flakyIndex fails the first failN SetAvailability calls.
type flakyIndex struct {
	*geo.MemoryIndex
	failN int32
	calls atomic.Int32
}

func (f *flakyIndex) SetAvailability(ctx context.Context, driverID string, available bool) error {
	if f.calls.Add(1) <= f.failN {
		return errors.New("redis: connection refused")
	}
	return f.MemoryIndex.SetAvailability(ctx, driverID, available)
}

func TestIndexAvailabilityIsRetried(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 100)
	ctx := context.Background()
	r := h.request(t, models.PaymentCash).Ride

	flaky := &flakyIndex{MemoryIndex: h.geo, failN: 2}
	h.svc.Geo = flaky
	h.svc.IndexRetryDelay = time.Millisecond

	if _, err := h.svc.AcceptRide(ctx, r.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Fatalf("index calls = %d, want 3", got)
	}
	if near, _ := h.svc.NearbyDrivers(ctx, pickup.Location, 0, 0); len(near) != 0 {
		t.Fatalf("bound driver still offered: %+v", near)
	}

	down := &flakyIndex{MemoryIndex: h.geo, failN: 100}
	h.svc.Geo = down
	h.svc.IndexAttempts = 2
	_, err := h.svc.SetAvailability(ctx, "d1", false)
	expectKind(t, err, "DependencyUnavailable")
	if got := down.calls.Load(); got != 2 {
		t.Fatalf("index calls = %d, want 2", got)
	}
}
