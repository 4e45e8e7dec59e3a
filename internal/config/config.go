package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-hailing/internal/fare"
	"github.com/example/ride-hailing/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers         []string
	KafkaLocationTopic   string
	KafkaRideEventsTopic string

	PGDSN           string
	RunMigrations   bool
	StoreAttempts   int
	StoreRetryDelay time.Duration

	JWTSecret string

	OSRMURL          string
	GoogleMapsAPIKey string
	RouteAttempts    int
	RouteRetryDelay  time.Duration
	RouteCacheTTL    time.Duration

	DefaultSpeedMps float64
	MatcherTopN     int
	MatcherRadiusM  float64
	SurgeMultiplier float64
	IndexAttempts   int
	IndexRetryDelay time.Duration
	Fares           fare.Rates

	StripeAPIKey string
	FCMEndpoint  string
	FCMKey       string
	PushEndpoint string

	OTLPEndpoint string
	LogLevel     string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		KafkaLocationTopic:   "driver-locations",
		KafkaRideEventsTopic: "ride-events",
		RouteAttempts:        3,
		RouteRetryDelay:      100 * time.Millisecond,
		RouteCacheTTL:        5 * time.Minute,
		StoreAttempts:        3,
		StoreRetryDelay:      50 * time.Millisecond,
		IndexAttempts:        3,
		IndexRetryDelay:      50 * time.Millisecond,
		DefaultSpeedMps:      10,
		MatcherTopN:          5,
		MatcherRadiusM:       5000,
		SurgeMultiplier:      1,
		Fares:                fare.DefaultRates(),
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	LoadDotEnvUp(0)

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaRideEventsTopic, "KAFKA_RIDE_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setIntFromEnv(&cfg.RouteAttempts, "ROUTE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RouteRetryDelay, "ROUTE_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setIntFromEnv(&cfg.StoreAttempts, "STORE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.StoreRetryDelay, "STORE_RETRY_DELAY", &errs)
	setIntFromEnv(&cfg.IndexAttempts, "INDEX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.IndexRetryDelay, "INDEX_RETRY_DELAY", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.MatcherRadiusM, "MATCHER_RADIUS_METERS", &errs)
	setFloatFromEnv(&cfg.SurgeMultiplier, "SURGE_MULTIPLIER", &errs)

	setStringFromEnv(&cfg.Fares.Currency, "FARE_CURRENCY")
	setFloatFromEnv(&cfg.Fares.Minimum, "FARE_MINIMUM", &errs)
	for _, class := range []models.RideClass{models.ClassEconomy, models.ClassPremium, models.ClassLuxury} {
		rate := cfg.Fares.PerKm[class]
		setFloatFromEnv(&rate, "FARE_PER_KM_"+strings.ToUpper(string(class)), &errs)
		cfg.Fares.PerKm[class] = rate
	}

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))

	cfg.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTLP_ENDPOINT"))
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if c.MatcherRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RADIUS_METERS must be > 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_SPEED_MPS must be > 0"))
	}
	if c.SurgeMultiplier < 1 {
		errs = append(errs, fmt.Errorf("SURGE_MULTIPLIER must be >= 1"))
	}
	if c.RouteAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_ATTEMPTS must be > 0"))
	}
	if c.StoreAttempts <= 0 {
		errs = append(errs, fmt.Errorf("STORE_ATTEMPTS must be > 0"))
	}
	if c.IndexAttempts <= 0 {
		errs = append(errs, fmt.Errorf("INDEX_ATTEMPTS must be > 0"))
	}
	if c.Fares.Minimum < 0 {
		errs = append(errs, fmt.Errorf("FARE_MINIMUM must be >= 0"))
	}
	for class, rate := range c.Fares.PerKm {
		if rate <= 0 {
			errs = append(errs, fmt.Errorf("per-km rate for %s must be > 0", class))
		}
	}
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	// the consumer is the only writer of positions when Kafka is on, and it
	// writes to Redis
	if len(c.KafkaBrokers) > 0 && c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS requires REDIS_ADDR"))
	}
	if c.FCMEndpoint != "" && c.FCMKey == "" {
		errs = append(errs, fmt.Errorf("FCM_ENDPOINT requires FCM_KEY"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
