package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables with defaults so the binary
// runs locally against in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	KafkaBrokers        []string
	LocationTopic       string
	StatusTopic         string
	TripCreatedTopic    string
	ConsumerGroup       string
	ConsumerMetricsAddr string

	PGDSN string

	RetryMaxAttempts    int
	RetryInitialDelay   time.Duration
	RetryMultiplier     float64
	RetryMaxDelay       time.Duration
	RetryAttemptTimeout time.Duration
	RetryWorkers        int

	OfferTTL        time.Duration
	AcceptAuditTTL  time.Duration
	TripResolvedTTL time.Duration
	SweepInterval   time.Duration

	DefaultRadiusKm float64
	DefaultLimit    int
	DefaultSpeedMps float64
	OSRMURL         string

	TripServiceURL     string
	TripServiceTimeout time.Duration

	JWTSecret      string
	PushWebhookURL string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		CacheTTL:            900 * time.Second,
		LocationTopic:       "driver-location-updates",
		StatusTopic:         "driver-status-events",
		TripCreatedTopic:    "trip-created",
		ConsumerGroup:       "driver-dispatch-consumer",
		ConsumerMetricsAddr: ":2112",
		RetryMaxAttempts:    3,
		RetryInitialDelay:   100 * time.Millisecond,
		RetryMultiplier:     2,
		RetryMaxDelay:       2 * time.Second,
		RetryAttemptTimeout: 2 * time.Second,
		RetryWorkers:        4,
		OfferTTL:            15 * time.Second,
		AcceptAuditTTL:      60 * time.Second,
		TripResolvedTTL:     24 * time.Hour,
		SweepInterval:       5 * time.Second,
		DefaultRadiusKm:     5,
		DefaultLimit:        10,
		DefaultSpeedMps:     10,
		TripServiceTimeout:  3 * time.Second,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setDurationFromEnv(&cfg.CacheTTL, "CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.StatusTopic, "KAFKA_STATUS_TOPIC")
	setStringFromEnv(&cfg.TripCreatedTopic, "KAFKA_TRIP_CREATED_TOPIC")
	setStringFromEnv(&cfg.ConsumerGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.ConsumerMetricsAddr, "CONSUMER_METRICS_ADDR")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setIntFromEnv(&cfg.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryInitialDelay, "RETRY_INITIAL_DELAY", &errs)
	setFloatFromEnv(&cfg.RetryMultiplier, "RETRY_MULTIPLIER", &errs)
	setDurationFromEnv(&cfg.RetryMaxDelay, "RETRY_MAX_DELAY", &errs)
	setDurationFromEnv(&cfg.RetryAttemptTimeout, "RETRY_ATTEMPT_TIMEOUT", &errs)
	setIntFromEnv(&cfg.RetryWorkers, "RETRY_WORKERS", &errs)

	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.AcceptAuditTTL, "ACCEPT_AUDIT_TTL", &errs)
	setDurationFromEnv(&cfg.TripResolvedTTL, "TRIP_RESOLVED_TTL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "OFFER_SWEEP_INTERVAL", &errs)

	setFloatFromEnv(&cfg.DefaultRadiusKm, "MATCHER_DEFAULT_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.DefaultLimit, "MATCHER_DEFAULT_LIMIT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))

	cfg.TripServiceURL = strings.TrimSpace(os.Getenv("TRIP_SERVICE_URL"))
	setDurationFromEnv(&cfg.TripServiceTimeout, "TRIP_SERVICE_TIMEOUT", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.PushWebhookURL = strings.TrimSpace(os.Getenv("PUSH_WEBHOOK_URL"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.RetryMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MULTIPLIER must be >= 1"))
	}
	if cfg.RetryWorkers <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_WORKERS must be > 0"))
	}
	if cfg.OfferTTL <= 0 || cfg.AcceptAuditTTL <= 0 || cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("offer TTLs and sweep interval must be > 0"))
	}
	if cfg.TripResolvedTTL < cfg.OfferTTL || cfg.TripResolvedTTL < cfg.AcceptAuditTTL {
		errs = append(errs, fmt.Errorf("TRIP_RESOLVED_TTL must outlive OFFER_TTL and ACCEPT_AUDIT_TTL"))
	}
	if cfg.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_RADIUS_KM must be > 0"))
	}
	if cfg.DefaultLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_LIMIT must be > 0"))
	}

	return cfg, errors.Join(errs...)
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
