package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-hailing/internal/config"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/ingest"
	"github.com/example/ride-hailing/internal/logging"
	"github.com/example/ride-hailing/internal/models"
)

var cli = struct {
	Brokers       []string      `name:"brokers" env:"KAFKA_BROKERS" default:"localhost:9092" sep:","`
	Topic         string        `name:"topic" env:"KAFKA_LOCATION_TOPIC" default:"driver-locations"`
	Group         string        `name:"group" env:"KAFKA_GROUP" default:"ride-hailing-consumer"`
	RedisAddr     string        `name:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `name:"redis-password" env:"REDIS_PASSWORD"`
	RedisGeoKey   string        `name:"redis-geo-key" env:"REDIS_GEO_KEY" default:"drivers_geo"`
	MetricsAddr   string        `name:"metrics-addr" env:"METRICS_ADDR" default:":2112"`
	Attempts      int           `name:"attempts" env:"CONSUMER_ATTEMPTS" default:"3"`
	RetryDelay    time.Duration `name:"retry-delay" env:"CONSUMER_RETRY_DELAY" default:"200ms"`
	LogLevel      string        `name:"log-level" env:"LOG_LEVEL" default:"info"`
}{}

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_hailing",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_hailing",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_hailing",
		Name:      "consumer_index_updates_total",
		Help:      "Total successful driver index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_hailing",
		Name:      "consumer_index_errors_total",
		Help:      "Total driver index updates given up after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	config.LoadDotEnvUp(0)
	kong.Parse(&cli, kong.Description("Applies driver location events from Kafka to the Redis driver index."))

	logger := logging.NewLogger(cli.LogLevel).With("component", "consumer")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := geo.NewRedisClient(cli.RedisAddr, cli.RedisPassword)
	index := geo.NewRedisIndex(rc, cli.RedisGeoKey)

	go serveHealth(cli.MetricsAddr, index, logger)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cli.Brokers, Topic: cli.Topic, GroupID: cli.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cli.Topic, "brokers", cli.Brokers, "group", cli.Group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		handleMessage(ctx, index, m.Value, cli.Attempts, cli.RetryDelay, logger)
	}
}

func serveHealth(addr string, index *geo.RedisIndex, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := index.Ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

// PositionWriter is the part of the driver index the consumer writes to.
type PositionWriter interface {
	UpsertPosition(ctx context.Context, driverID string, loc models.Coord) error
}

// handleMessage applies one location event. Bad messages are counted and
// dropped; index failures are retried and then dropped, since a newer
// position for the same driver will follow.
func handleMessage(ctx context.Context, w PositionWriter, value []byte, attempts int, delay time.Duration, logger *slog.Logger) {
	msgsConsumed.Inc()
	loc, err := ingest.DecodeLocation(value)
	if err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid message", "error", err)
		return
	}
	if err := updateIndexWithRetry(ctx, w, loc, attempts, delay); err != nil {
		indexErrors.Inc()
		logger.Error("index update failed", "driver_id", loc.DriverID, "error", err)
		return
	}
	indexUpdates.Inc()
}

func updateIndexWithRetry(ctx context.Context, w PositionWriter, loc models.DriverLocation, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = w.UpsertPosition(ctx, loc.DriverID, loc.Loc); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrValidation) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
