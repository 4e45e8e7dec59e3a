package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/example/ride-hailing/internal/models"
)

type recordingDispatcher struct {
	offers []models.RideOffer
}

func (r *recordingDispatcher) Offer(_ context.Context, o models.RideOffer) error {
	r.offers = append(r.offers, o)
	return nil
}

func TestChainFallsBackWithoutSession(t *testing.T) {
	fb := &recordingDispatcher{}
	c := &Chain{WS: NewWSRegistry(), Fallback: fb}
	if err := c.Offer(context.Background(), models.RideOffer{RideID: "r1", DriverID: "d1"}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if len(fb.offers) != 1 || fb.offers[0].DriverID != "d1" {
		t.Fatalf("fallback not used: %+v", fb.offers)
	}
}

func TestChainWithoutFallback(t *testing.T) {
	c := &Chain{WS: NewWSRegistry()}
	if err := c.Offer(context.Background(), models.RideOffer{DriverID: "d1"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestWSRegistryDeliversOffer(t *testing.T) {
	reg := NewWSRegistry()
	registered := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Add("d1", conn)
		close(registered)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	<-registered

	fb := &recordingDispatcher{}
	c := &Chain{WS: reg, Fallback: fb}
	if err := c.Offer(context.Background(), models.RideOffer{RideID: "r1", DriverID: "d1", PickupETA: 42}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.RideOffer
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RideID != "r1" || got.PickupETA != 42 {
		t.Fatalf("unexpected offer %+v", got)
	}
	if len(fb.offers) != 0 {
		t.Fatal("fallback used although session exists")
	}
}

func TestWSRegistryRemoveKeepsNewerSession(t *testing.T) {
	reg := NewWSRegistry()
	old := &WSSession{}
	reg.sessions["d1"] = old
	newer := &WSSession{}
	reg.sessions["d1"] = newer
	reg.Remove("d1", old)
	if !reg.Connected("d1") {
		t.Fatal("newer session removed")
	}
	reg.Remove("d1", newer)
	if reg.Connected("d1") {
		t.Fatal("session not removed")
	}
}

func TestFCMDispatcher(t *testing.T) {
	var body map[string]map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewFCMDispatcher(srv.URL, "server-key")
	if err := f.Offer(context.Background(), models.RideOffer{RideID: "r1", DriverID: "d1"}); !errors.Is(err, ErrNoPushToken) {
		t.Fatalf("expected ErrNoPushToken, got %v", err)
	}
	if err := f.Offer(context.Background(), models.RideOffer{RideID: "r1", DriverID: "d1", PushToken: "tok"}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if auth != "Bearer server-key" {
		t.Fatalf("auth header %q", auth)
	}
	if body["message"]["token"] != "tok" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestPushDispatcherReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewPushDispatcher(srv.URL).Offer(context.Background(), models.RideOffer{RideID: "r1"}); err == nil {
		t.Fatal("expected error on 502")
	}
}
