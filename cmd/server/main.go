package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ride-hailing/internal/auth"
	"github.com/example/ride-hailing/internal/config"
	"github.com/example/ride-hailing/internal/dispatch"
	"github.com/example/ride-hailing/internal/eta"
	"github.com/example/ride-hailing/internal/fare"
	"github.com/example/ride-hailing/internal/geo"
	httpapi "github.com/example/ride-hailing/internal/http"
	"github.com/example/ride-hailing/internal/ingest"
	"github.com/example/ride-hailing/internal/logging"
	"github.com/example/ride-hailing/internal/matcher"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/payments"
	"github.com/example/ride-hailing/internal/rating"
	"github.com/example/ride-hailing/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, 1)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	deps := map[string]httpapi.Pinger{}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ps.DB()); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = storage.WithRetry(ps, cfg.StoreAttempts, cfg.StoreRetryDelay)
		deps["postgres"] = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		rc := geo.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rc.Close()
		ri := geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		index = ri
		deps["redis"] = ri
	} else {
		index = geo.NewMemoryIndex()
	}

	router, err := buildRouter(cfg)
	if err != nil {
		return err
	}

	wsreg := dispatch.NewWSRegistry()
	svc := &matcher.Service{
		Store:           store,
		Geo:             index,
		Router:          router,
		Fares:           fare.NewEstimator(cfg.Fares),
		Surge:           matcher.StaticSurge(cfg.SurgeMultiplier),
		Dispatch:        &dispatch.Chain{WS: wsreg, Fallback: fallbackDispatcher(cfg, logger)},
		Logger:          logger,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		TopN:            cfg.MatcherTopN,
		RadiusMeters:    cfg.MatcherRadiusM,
		IndexAttempts:   cfg.IndexAttempts,
		IndexRetryDelay: cfg.IndexRetryDelay,
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideEventsTopic)
		defer producer.Close()
		svc.Events = producer
		svc.Locations = producer
	}
	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	api := httpapi.NewServer(svc, rating.New(store), auth.NewJWTAuthenticator(cfg.JWTSecret, 0), wsreg, logger)
	api.Deps = deps

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-hailing listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// buildRouter picks the routing backend: OSRM, then Google, then straight
// line distance at the default speed.
func buildRouter(cfg config.ServerConfig) (eta.Router, error) {
	var base eta.Router
	switch {
	case cfg.OSRMURL != "":
		base = eta.NewOSRMClient(cfg.OSRMURL)
	case cfg.GoogleMapsAPIKey != "":
		g, err := eta.NewGoogleRouter(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		base = g
	default:
		return eta.HaversineRouter{SpeedMps: cfg.DefaultSpeedMps}, nil
	}
	return eta.WithCache(eta.WithRetry(base, cfg.RouteAttempts, cfg.RouteRetryDelay), cfg.RouteCacheTTL), nil
}

func fallbackDispatcher(cfg config.ServerConfig, logger *slog.Logger) dispatch.Dispatcher {
	switch {
	case cfg.FCMEndpoint != "":
		return dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	case cfg.PushEndpoint != "":
		return dispatch.NewPushDispatcher(cfg.PushEndpoint)
	}
	return &dispatch.LogDispatcher{Logger: logger}
}
