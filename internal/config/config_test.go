package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CacheTTL != 900*time.Second {
		t.Fatalf("cache ttl = %v", cfg.CacheTTL)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryInitialDelay != 100*time.Millisecond || cfg.RetryMaxDelay != 2*time.Second {
		t.Fatalf("unexpected retry defaults %+v", cfg)
	}
	if cfg.OfferTTL != 15*time.Second || cfg.AcceptAuditTTL != 60*time.Second || cfg.SweepInterval != 5*time.Second {
		t.Fatalf("unexpected offer defaults %+v", cfg)
	}
	if cfg.TripResolvedTTL != 24*time.Hour {
		t.Fatalf("resolved ttl = %v", cfg.TripResolvedTTL)
	}
	if cfg.DefaultRadiusKm != 5 || cfg.DefaultLimit != 10 {
		t.Fatalf("unexpected matcher defaults %+v", cfg)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("OFFER_TTL", "30s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.OfferTTL != 30*time.Second || cfg.RetryMaxAttempts != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.LogLevel != "debug" || !cfg.RunMigrations {
		t.Fatalf("log level / migrate not applied: %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("CACHE_TTL", "soon")
	t.Setenv("RETRY_WORKERS", "0")
	t.Setenv("MATCHER_DEFAULT_RADIUS_KM", "-1")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"CACHE_TTL", "RETRY_WORKERS", "MATCHER_DEFAULT_RADIUS_KM"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}
