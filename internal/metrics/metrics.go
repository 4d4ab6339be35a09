package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay metrics, served by the router's /metrics endpoint.
//
// Naming convention: namespace_subsystem_name
// - namespace: orgchat (application-level grouping)
// - subsystem: websocket, push, fanout (feature-level grouping)

var (
	// ActiveConnections tracks currently open WebSocket connections (registered or not).
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orgchat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of open WebSocket connections",
	})

	// RegisteredSessions tracks sessions that completed the Register handshake.
	RegisteredSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orgchat",
		Subsystem: "websocket",
		Name:      "sessions_registered",
		Help:      "Current number of registered sessions",
	})

	// Events counts processed inbound events by kind and outcome.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgchat",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event", "status"})

	// DroppedFrames counts outbound frames dropped instead of delivered.
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgchat",
		Subsystem: "websocket",
		Name:      "frames_dropped_total",
		Help:      "Outbound frames dropped (slow consumer or closed session)",
	}, []string{"reason"})

	// EventDuration tracks per-event handler latency.
	EventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orgchat",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing inbound events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// Pushes counts push deliveries by outcome (sent, failed, breaker_open, queue_full).
	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgchat",
		Subsystem: "push",
		Name:      "deliveries_total",
		Help:      "Push notification deliveries by outcome",
	}, []string{"outcome"})

	// PushesSuppressed counts offline recipients skipped by policy (silent, cooldown).
	PushesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgchat",
		Subsystem: "push",
		Name:      "suppressed_total",
		Help:      "Push notifications suppressed by the cooldown policy",
	}, []string{"reason"})

	// FanoutRecipients tracks recipient set sizes per broadcast.
	FanoutRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orgchat",
		Subsystem: "fanout",
		Name:      "recipients",
		Help:      "Recipients per room broadcast",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
