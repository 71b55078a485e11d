package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the real-time coordination backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: classkit (application-level grouping)
// - subsystem: websocket, meeting, queue, gamification, moderation
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants, queue depth)
// - Counter: Cumulative events (messages processed, jobs, unlocks)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classkit",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active meeting rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classkit",
		Subsystem: "meeting",
		Name:      "rooms_active",
		Help:      "Current number of active meeting rooms",
	})

	// RoomParticipants tracks the number of participants in each room
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "classkit",
		Subsystem: "meeting",
		Name:      "participants_count",
		Help:      "Number of participants in each meeting room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of signaling events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classkit",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total signaling events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing signaling messages
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "classkit",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing signaling messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// DroppedMessages counts frames dropped because a client's send buffer was full
	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classkit",
		Subsystem: "websocket",
		Name:      "dropped_messages_total",
		Help:      "Outbound frames dropped on a full client send buffer",
	}, []string{"event_type"})

	// QueueJobs tracks terminal job outcomes per queue
	QueueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classkit",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Total queue jobs by terminal outcome",
	}, []string{"queue", "outcome"})

	// QueueDepth tracks the current waiting depth per queue
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "classkit",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of waiting jobs per queue",
	}, []string{"queue"})

	// GamificationEvents tracks inbound gamification events by type and status
	GamificationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classkit",
		Subsystem: "gamification",
		Name:      "events_total",
		Help:      "Total gamification events ingested",
	}, []string{"event_type", "status"})

	// AchievementUnlocks counts achievement unlocks by rarity
	AchievementUnlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classkit",
		Subsystem: "gamification",
		Name:      "achievement_unlocks_total",
		Help:      "Total achievements unlocked",
	}, []string{"rarity"})

	// ModerationActions counts applied moderation actions by type
	ModerationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classkit",
		Subsystem: "moderation",
		Name:      "actions_total",
		Help:      "Total moderation actions applied",
	}, []string{"action_type"})

	// RateLimitRequests counts requests that passed rate limiting per endpoint
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classkit",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests admitted by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by rate limiting
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classkit",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState reports breaker state per dependency (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "classkit",
		Subsystem: "resilience",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts requests rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classkit",
		Subsystem: "resilience",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected while a circuit breaker was open",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
