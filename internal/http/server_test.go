package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/lib/pq"

	"github.com/example/ride-hailing/internal/auth"
	"github.com/example/ride-hailing/internal/dispatch"
	"github.com/example/ride-hailing/internal/eta"
	"github.com/example/ride-hailing/internal/fare"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/logging"
	"github.com/example/ride-hailing/internal/matcher"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/rating"
	"github.com/example/ride-hailing/internal/storage"
)

type fixedRouter struct{}

func (fixedRouter) Route(context.Context, models.Coord, models.Coord) (eta.Route, error) {
	return eta.Route{DistanceMeters: 10000, DurationSeconds: 600}, nil
}

type testEnv struct {
	srv   *httptest.Server
	authn *auth.JWTAuthenticator
	wsreg *dispatch.WSRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, storage.NewMemoryStore())
}

func newTestEnvWith(t *testing.T, store storage.Store) *testEnv {
	t.Helper()
	wsreg := dispatch.NewWSRegistry()
	svc := &matcher.Service{
		Store:           store,
		Geo:             geo.NewMemoryIndex(),
		Router:          fixedRouter{},
		Fares:           fare.NewEstimator(fare.DefaultRates()),
		Dispatch:        &dispatch.Chain{WS: wsreg},
		Logger:          logging.Discard(),
		DefaultSpeedMps: 10,
	}
	authn := auth.NewJWTAuthenticator("test-secret", time.Hour)
	s := NewServer(svc, rating.New(store), authn, wsreg, logging.Discard())
	if p, ok := store.(Pinger); ok {
		s.Deps["store"] = p
	}
	env := &testEnv{srv: httptest.NewServer(s), authn: authn, wsreg: wsreg}
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) token(t *testing.T, id string, role models.Role) string {
	t.Helper()
	tok, err := e.authn.Issue(auth.Identity{UserID: id, Role: role, Name: id})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

// do sends body as JSON and decodes the response into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path, tok string, body, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rdr)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var rideBody = map[string]any{
	"pickup":      map[string]any{"address": "MG Road", "location": map[string]float64{"lat": 12.9716, "lon": 77.5946}},
	"destination": map[string]any{"address": "Airport", "location": map[string]float64{"lat": 13.1986, "lon": 77.7066}},
	"rideClass":   "economy",
}

func (e *testEnv) onlineDriver(t *testing.T, tok string, lat, lon float64) {
	t.Helper()
	if code := e.do(t, http.MethodPut, "/drivers/me/location", tok, map[string]float64{"lat": lat, "lon": lon}, nil); code != http.StatusNoContent {
		t.Fatalf("location: %d", code)
	}
	if code := e.do(t, http.MethodPut, "/drivers/me/availability", tok, map[string]bool{"available": true}, nil); code != http.StatusOK {
		t.Fatalf("availability: %d", code)
	}
}

func TestHealthAndAuth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()
	if code := env.do(t, http.MethodGet, "/ready", "", nil, nil); code != http.StatusOK {
		t.Fatalf("ready: %d", code)
	}

	var e apiError
	if code := env.do(t, http.MethodGet, "/rides/history", "", nil, &e); code != http.StatusUnauthorized || e.Error.Code != "Unauthenticated" {
		t.Fatalf("missing token: %d %+v", code, e)
	}
	other := auth.NewJWTAuthenticator("other-secret", time.Hour)
	forged, _ := other.Issue(auth.Identity{UserID: "x", Role: models.RoleRider})
	if code := env.do(t, http.MethodGet, "/rides/history", forged, nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("forged token: %d", code)
	}
}

func TestRideFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	riderTok := env.token(t, "rider-1", models.RoleRider)
	d1 := env.token(t, "d1", models.RoleDriver)
	d2 := env.token(t, "d2", models.RoleDriver)
	env.onlineDriver(t, d1, 12.972, 77.5946)
	env.onlineDriver(t, d2, 12.975, 77.5946)

	var created matcher.RequestResult
	if code := env.do(t, http.MethodPost, "/rides/request", riderTok, rideBody, &created); code != http.StatusCreated {
		t.Fatalf("request: %d", code)
	}
	if created.Ride.Fare.Amount != 20 || len(created.Candidates) != 2 || created.Candidates[0].DriverID != "d1" {
		t.Fatalf("unexpected result %+v", created)
	}
	id := created.Ride.ID

	var ride models.Ride
	if code := env.do(t, http.MethodPut, "/rides/"+id+"/accept", d1, nil, &ride); code != http.StatusOK || ride.DriverID != "d1" {
		t.Fatalf("accept: %d %+v", code, ride)
	}
	var e apiError
	if code := env.do(t, http.MethodPut, "/rides/"+id+"/accept", d2, nil, &e); code != http.StatusConflict || e.Error.Code != "RideUnavailable" {
		t.Fatalf("second accept: %d %+v", code, e)
	}
	e = apiError{}
	if code := env.do(t, http.MethodPut, "/rides/"+id+"/status", d1, map[string]string{"status": "completed"}, &e); code != http.StatusConflict || e.Error.Code != "InvalidTransition" {
		t.Fatalf("skip: %d %+v", code, e)
	}
	for _, st := range []string{"arrived", "started", "completed"} {
		if code := env.do(t, http.MethodPut, "/rides/"+id+"/status", d1, map[string]string{"status": st}, &ride); code != http.StatusOK {
			t.Fatalf("%s: %d", st, code)
		}
	}
	if ride.Status != models.StatusCompleted {
		t.Fatalf("status %s", ride.Status)
	}

	var rated map[string]any
	if code := env.do(t, http.MethodPost, "/rides/"+id+"/rate", riderTok, map[string]any{"value": 4, "comment": "ok"}, &rated); code != http.StatusOK {
		t.Fatalf("rate: %d", code)
	}
	if rated["rateeId"] != "d1" || rated["rating"].(float64) != 4 {
		t.Fatalf("rated %+v", rated)
	}
	e = apiError{}
	if code := env.do(t, http.MethodPost, "/rides/"+id+"/rate", riderTok, map[string]any{"value": 5}, &e); code != http.StatusConflict || e.Error.Code != "AlreadyRated" {
		t.Fatalf("double rate: %d %+v", code, e)
	}
	if code := env.do(t, http.MethodPost, "/rides/"+id+"/rate", d2, map[string]any{"value": 5}, nil); code != http.StatusForbidden {
		t.Fatalf("stranger rate: %d", code)
	}

	var stats models.DriverStats
	if code := env.do(t, http.MethodGet, "/drivers/me/stats", d1, nil, &stats); code != http.StatusOK || stats.TotalRides != 1 || stats.AverageRating != 4 {
		t.Fatalf("stats: %d %+v", code, stats)
	}
	var hist struct {
		Rides      []models.Ride `json:"rides"`
		Pagination matcher.Page  `json:"pagination"`
	}
	if code := env.do(t, http.MethodGet, "/rides/history?page=1&limit=5", riderTok, nil, &hist); code != http.StatusOK || hist.Pagination.Total != 1 {
		t.Fatalf("history: %d %+v", code, hist.Pagination)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	riderTok := env.token(t, "rider-1", models.RoleRider)
	strangerTok := env.token(t, "rider-2", models.RoleRider)
	driverTok := env.token(t, "d1", models.RoleDriver)

	cases := []struct {
		name       string
		method     string
		path, tok  string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"bad class", http.MethodPost, "/rides/estimate", riderTok, map[string]any{"pickup": rideBody["pickup"], "destination": rideBody["destination"], "rideClass": "rocket"}, 400, "ValidationError"},
		{"not found", http.MethodGet, "/rides/nope", riderTok, nil, 404, "NotFound"},
		{"driver requests", http.MethodPost, "/rides/request", driverTok, rideBody, 403, "Unauthorized"},
		{"rider location", http.MethodPut, "/drivers/me/location", riderTok, map[string]float64{"lat": 1, "lon": 1}, 403, "Unauthorized"},
		{"bad nearby", http.MethodGet, "/drivers/nearby?lat=abc&lon=1", riderTok, nil, 400, "ValidationError"},
		{"bad status", http.MethodPut, "/rides/nope/status", riderTok, map[string]string{"status": "flying"}, 400, "ValidationError"},
		{"bad availability", http.MethodPut, "/drivers/me/availability", driverTok, map[string]string{}, 400, "ValidationError"},
	}
	for _, tc := range cases {
		var e apiError
		if code := env.do(t, tc.method, tc.path, tc.tok, tc.body, &e); code != tc.wantStatus || e.Error.Code != tc.wantCode {
			t.Errorf("%s: got %d %+v", tc.name, code, e)
		}
	}

	var created matcher.RequestResult
	env.do(t, http.MethodPost, "/rides/request", riderTok, rideBody, &created)
	var e apiError
	if code := env.do(t, http.MethodGet, "/rides/"+created.Ride.ID, strangerTok, nil, &e); code != http.StatusForbidden {
		t.Fatalf("stranger read: %d %+v", code, e)
	}
	if code := env.do(t, http.MethodPut, "/rides/"+created.Ride.ID+"/cancel", riderTok, map[string]string{"reason": "late"}, nil); code != http.StatusOK {
		t.Fatalf("cancel: %d", code)
	}
}

func TestNearbyDrivers(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.token(t, "d1", models.RoleDriver)
	env.onlineDriver(t, d1, 12.9716, 77.5946)
	riderTok := env.token(t, "rider-1", models.RoleRider)

	var out struct {
		Count   int                   `json:"count"`
		Drivers []models.NearbyDriver `json:"drivers"`
	}
	if code := env.do(t, http.MethodGet, "/drivers/nearby?lat=12.972&lon=77.5946&radius=1000", riderTok, nil, &out); code != http.StatusOK {
		t.Fatalf("nearby: %d", code)
	}
	if out.Count != 1 || out.Drivers[0].ID != "d1" {
		t.Fatalf("unexpected %+v", out)
	}
}

func TestWebSocketReceivesOffers(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.token(t, "d1", models.RoleDriver)
	env.onlineDriver(t, d1, 12.972, 77.5946)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/d1?token=" + d1
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for !env.wsreg.Connected("d1") {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	riderTok := env.token(t, "rider-1", models.RoleRider)
	var created matcher.RequestResult
	if code := env.do(t, http.MethodPost, "/rides/request", riderTok, rideBody, &created); code != http.StatusCreated {
		t.Fatalf("request: %d", code)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var offer models.RideOffer
	if err := conn.ReadJSON(&offer); err != nil {
		t.Fatalf("read offer: %v", err)
	}
	if offer.RideID != created.Ride.ID || offer.Fare.Amount != 20 {
		t.Fatalf("unexpected offer %+v", offer)
	}

	d2 := env.token(t, "d2", models.RoleDriver)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.srv.URL, "http")+"/ws/d1?token="+d2, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign session allowed: %v", err)
	}
}

// brokenStore loses its database connection on every ride read.
type brokenStore struct {
	*storage.MemoryStore
	reads atomic.Int32
}

func (b *brokenStore) GetRide(context.Context, string) (models.Ride, error) {
	b.reads.Add(1)
	return models.Ride{}, &pq.Error{Code: "08006", Message: "connection failure"}
}

func TestStoreOutageIsServiceUnavailable(t *testing.T) {
	broken := &brokenStore{MemoryStore: storage.NewMemoryStore()}
	env := newTestEnvWith(t, storage.WithRetry(broken, 3, time.Millisecond))
	riderTok := env.token(t, "rider-1", models.RoleRider)

	var e apiError
	if code := env.do(t, http.MethodGet, "/rides/ride-1", riderTok, nil, &e); code != http.StatusServiceUnavailable || e.Error.Code != "DependencyUnavailable" {
		t.Fatalf("got %d %+v", code, e)
	}
	if got := broken.reads.Load(); got != 3 {
		t.Fatalf("ride reads = %d, want 3", got)
	}
}
