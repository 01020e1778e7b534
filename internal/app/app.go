// Package app assembles the dispatch engine from configuration. Every
// external backend is optional; without one the in-process implementation
// is used so the binaries run locally.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/cache"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/eta"
	httpapi "github.com/example/driver-dispatch/internal/http"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/monitor"
	"github.com/example/driver-dispatch/internal/notification"
	"github.com/example/driver-dispatch/internal/retry"
	"github.com/example/driver-dispatch/internal/storage"
	"github.com/example/driver-dispatch/internal/trips"
)

const (
	geoKey   = "drivers_geo"
	etaCache = 2 * time.Minute
)

type App struct {
	Config      config.ServerConfig
	Logger      *slog.Logger
	Cache       cache.Cache
	Log         storage.LocationLog
	Publisher   ingest.Publisher
	Monitor     *monitor.Monitor
	Scheduler   *retry.Scheduler
	Coordinator *location.Coordinator
	Matcher     *matcher.Service
	WSReg       *dispatch.WSRegistry
	Offers      *notification.Registry
	Trips       *trips.Client
	Checks      map[string]func(context.Context) error

	redis redis.UniversalClient
	pg    *storage.PostgresLog
}

// New connects the configured backends. On error everything opened so far
// is closed again.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger, Checks: map[string]func(context.Context) error{}}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	var offerStore notification.Store
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Cache = cache.NewRedisCache(a.redis, geoKey, cfg.CacheTTL)
		offerStore = notification.NewRedisOfferStore(a.redis)
		logger.Info("using redis cache and offer store", "addr", cfg.RedisAddr)
	} else {
		a.Cache = cache.NewMemoryCache(cfg.CacheTTL)
		offerStore = notification.NewMemoryOfferStore()
		logger.Warn("REDIS_ADDR not set, using in-memory cache and offer store")
	}
	a.Checks["cache"] = a.Cache.Ping

	if cfg.PGDSN != "" {
		a.pg, err = storage.NewPostgresLog(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, a.pg.DB(), "migrations", logger); err != nil {
				return nil, err
			}
		}
		a.Log = a.pg
		a.Checks["log"] = a.pg.Ping
	} else {
		a.Log = storage.NewMemoryLog()
		logger.Warn("PG_DSN not set, using in-memory location log")
	}

	if len(cfg.KafkaBrokers) > 0 {
		a.Publisher = ingest.NewKafkaPublisher(cfg.KafkaBrokers, cfg.LocationTopic, cfg.StatusTopic)
	} else {
		a.Publisher = ingest.NewLogPublisher(logger)
	}

	a.Monitor = monitor.New(logger)
	a.Scheduler = retry.NewScheduler(retry.Config{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialDelay:   cfg.RetryInitialDelay,
		Multiplier:     cfg.RetryMultiplier,
		MaxDelay:       cfg.RetryMaxDelay,
		AttemptTimeout: cfg.RetryAttemptTimeout,
		Workers:        cfg.RetryWorkers,
	}, a.Monitor, logger)
	a.Coordinator = location.NewCoordinator(a.Cache, a.Log, a.Publisher, a.Scheduler, a.Monitor, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(etaCache), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}
	a.Matcher = &matcher.Service{Cache: a.Cache, Log: a.Log, ETA: estimator, DefaultLimit: cfg.DefaultLimit, Logger: logger}

	a.WSReg = dispatch.NewWSRegistry(logger)
	notifier := dispatch.NewPushDispatcher(cfg.PushWebhookURL, a.WSReg)

	var tripSvc notification.TripService
	if cfg.TripServiceURL != "" {
		a.Trips = trips.NewClient(cfg.TripServiceURL, cfg.TripServiceTimeout, logger)
		tripSvc = a.Trips
	}
	a.Offers = notification.NewRegistry(offerStore, a.Matcher, notifier, tripSvc, a.Scheduler, notification.Config{
		OfferTTL:       cfg.OfferTTL,
		AuditTTL:       cfg.AcceptAuditTTL,
		ResolvedTTL:    cfg.TripResolvedTTL,
		SweepInterval:  cfg.SweepInterval,
		SearchRadiusKm: cfg.DefaultRadiusKm,
		SearchLimit:    cfg.DefaultLimit,
	}, logger)
	return a, nil
}

// HTTPServer builds the API handler over the assembled engine.
func (a *App) HTTPServer() *httpapi.Server {
	deps := httpapi.Deps{
		Locations:       a.Coordinator,
		Matcher:         a.Matcher,
		Offers:          a.Offers,
		WSReg:           a.WSReg,
		Monitor:         a.Monitor,
		Checks:          a.Checks,
		DefaultRadiusKm: a.Config.DefaultRadiusKm,
	}
	if a.Config.JWTSecret != "" {
		deps.Auth = auth.NewJWTValidator(a.Config.JWTSecret)
	} else {
		a.Logger.Warn("JWT_SECRET not set, API authentication disabled")
	}
	if a.Trips != nil {
		deps.Roster = a.Trips
	}
	return httpapi.NewServer(deps, a.Logger)
}

// TripConsumer returns a consumer feeding trip-created events into the
// offer registry, or nil when no brokers are configured.
func (a *App) TripConsumer() *ingest.TripConsumer {
	if len(a.Config.KafkaBrokers) == 0 {
		return nil
	}
	return ingest.NewTripConsumer(a.Config.KafkaBrokers, a.Config.TripCreatedTopic, a.Config.ConsumerGroup,
		func(ctx context.Context, ev models.TripCreatedEvent) error {
			_, err := a.Offers.HandleTripNotification(ctx, ev)
			return err
		}, a.Logger)
}

// Close drains scheduled retries before closing the backends they write to.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil {
		if err := a.Scheduler.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
