package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-hailing/internal/auth"
	"github.com/example/ride-hailing/internal/dispatch"
	"github.com/example/ride-hailing/internal/matcher"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/rating"
)

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Matcher *matcher.Service
	Ratings *rating.Aggregator
	Auth    auth.Authenticator
	WSReg   *dispatch.WSRegistry
	Deps    map[string]Pinger

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(m *matcher.Service, ratings *rating.Aggregator, authn auth.Authenticator, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Matcher: m,
		Ratings: ratings,
		Auth:    authn,
		WSReg:   wsreg,
		Deps:    map[string]Pinger{},
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/rides/request", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/estimate", s.handleEstimate).Methods(http.MethodPost)
	api.HandleFunc("/rides/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPut)
	api.HandleFunc("/rides/{id}/status", s.handleStatus).Methods(http.MethodPut)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPut)
	api.HandleFunc("/rides/{id}/rate", s.handleRate).Methods(http.MethodPost)

	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/me/location", s.handleLocation).Methods(http.MethodPut)
	api.HandleFunc("/drivers/me/availability", s.handleAvailability).Methods(http.MethodPut)
	api.HandleFunc("/drivers/me/stats", s.handleStats).Methods(http.MethodGet)

	api.HandleFunc("/ws/{driver_id}", s.handleWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	ok := true
	for name, dep := range s.Deps {
		if err := dep.Ping(r.Context()); err != nil {
			status[name] = err.Error()
			ok = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS keeps one offer channel open per driver. Offers are pushed by the
// registry; inbound frames are read only to notice disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	caller := identityFrom(r.Context())
	if caller.Role != models.RoleDriver || caller.UserID != id {
		s.writeError(w, r, errForbidden("offers can only be received by the driver they are for"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	s.logger.Info("driver connected", "driver_id", id)
	defer func() {
		s.WSReg.Remove(id, sess)
		_ = conn.Close()
		s.logger.Info("driver disconnected", "driver_id", id)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
