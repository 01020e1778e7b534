// Command consumer runs trip-created fan-out without the HTTP API. Offers
// are stored in Redis where the API instances read them; pushes go to the
// configured webhook gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/app"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/logging"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.ConsumerMetricsAddr, "metrics-addr", cfg.ConsumerMetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, offers created here are invisible to API instances")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		for name, check := range a.Checks {
			if err := check(r.Context()); err != nil {
				http.Error(w, name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	metricsSrv := &http.Server{Addr: cfg.ConsumerMetricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.ConsumerMetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	go a.Offers.Run(ctx)

	consumer := a.TripConsumer()
	logger.Info("consumer listening", "topic", cfg.TripCreatedTopic, "brokers", cfg.KafkaBrokers, "group", cfg.ConsumerGroup)
	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer stopped", "error", err)
	}
	logger.Info("shutting down consumer")
	_ = consumer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close backends", "error", err)
	}
}
