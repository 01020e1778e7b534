package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driver_dispatch"

var (
	LocationUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates by outcome"},
		[]string{"outcome"},
	)
	NearbyQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "nearby_queries_total", Help: "Nearby driver searches by candidate source"},
		[]string{"source"},
	)
	NearbyLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "nearby_latency_seconds", Help: "Nearby driver search latency seconds"})

	OffersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trip_offers_created_total", Help: "Trip offers fanned out to drivers"})
	OfferResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_offer_responses_total", Help: "Accept/decline outcomes"},
		[]string{"action", "outcome"},
	)
	OffersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trip_offers_expired_total", Help: "Offers removed by the expiry sweep"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers that went online minus drivers that went offline"})
	StreamSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "position_stream_sessions", Help: "Open inbound position streams"})

	// RetryEvents mirrors the failure monitor's per-operation counters.
	RetryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "retry_events_total", Help: "Retry scheduler and compensation events per operation"},
		[]string{"operation", "event"},
	)

	TripEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_events_total", Help: "Trip-created events read from the bus by result"},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open"},
		[]string{"name"},
	)
	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "circuit_breaker_requests_total", Help: "Calls through collaborator breakers by result"},
		[]string{"name", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
