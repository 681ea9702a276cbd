package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the station relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: station_relay (application-level grouping)
// - subsystem: pairing, otp, rtc, voice (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, sessions)
// - Counter: Cumulative events (frames relayed, handshake outcomes)
// - Histogram: Latency distributions (rendezvous wait time)

var (
	// ActiveWebSocketConnections tracks the current number of relay WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "station_relay",
		Subsystem: "pairing",
		Name:      "connections_active",
		Help:      "Current number of active relay WebSocket connections",
	})

	// ActivePairRooms tracks the current number of pair rooms
	ActivePairRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "station_relay",
		Subsystem: "pairing",
		Name:      "rooms_active",
		Help:      "Current number of active pair rooms",
	})

	// RelayedFrames counts text frames forwarded between peers, labelled by source role
	RelayedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "station_relay",
		Subsystem: "pairing",
		Name:      "frames_relayed_total",
		Help:      "Total text frames forwarded between paired peers",
	}, []string{"role"})

	// OTPSessionOutcomes counts auth handshake terminal outcomes
	OTPSessionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "station_relay",
		Subsystem: "otp",
		Name:      "session_outcomes_total",
		Help:      "Total OTP session outcomes (granted, denied, expired)",
	}, []string{"outcome"})

	// RTCSessionJoins counts join attempts on RTC sessions
	RTCSessionJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "station_relay",
		Subsystem: "rtc",
		Name:      "joins_total",
		Help:      "Total RTC session join attempts",
	}, []string{"status"})

	// VoiceRendezvousOutcomes counts chat-proxy rendezvous outcomes
	VoiceRendezvousOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "station_relay",
		Subsystem: "voice",
		Name:      "rendezvous_outcomes_total",
		Help:      "Total voice rendezvous outcomes (empty, delivered, timeout, dropped)",
	}, []string{"outcome"})

	// VoiceRendezvousWait tracks how long blocked chat requests wait for a response
	VoiceRendezvousWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "station_relay",
		Subsystem: "voice",
		Name:      "rendezvous_wait_seconds",
		Help:      "Time blocked chat requests spent waiting for a controller response",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30},
	})

	// RateLimitRequests counts requests that passed the rate limiter per endpoint
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "station_relay",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests admitted by the rate limiter per endpoint",
	}, []string{"endpoint"})

	// RateLimitExceeded counts rejected requests per endpoint and tier
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "station_relay",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter per endpoint and tier",
	}, []string{"endpoint", "tier"})

	// CircuitBreakerState tracks breaker state for upstream dependencies (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "station_relay",
		Subsystem: "upstream",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per upstream (0=closed, 1=open, 2=half-open)",
	}, []string{"upstream"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
