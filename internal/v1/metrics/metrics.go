package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the messaging fabric.
//
// Naming convention: namespace_subsystem_name
// - namespace: roomcast (application-level grouping)
// - subsystem: websocket, room, broker, scheduler, state, heartbeat
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, breaker state)
// - Counter: Cumulative events (events processed, publishes, drops)
// - Histogram: Latency distributions (event handling time)

var (
	// ActiveConnections tracks the current number of open WebSocket connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomcast",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// Events tracks inbound events by type and outcome
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total inbound events processed",
	}, []string{"event_type", "status"})

	// EventHandlingDuration tracks time spent dispatching one inbound event
	EventHandlingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomcast",
		Subsystem: "websocket",
		Name:      "event_handling_seconds",
		Help:      "Time spent handling inbound events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// DroppedFrames counts outbound frames discarded because a connection's
	// send queue was full
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "websocket",
		Name:      "frames_dropped_total",
		Help:      "Outbound frames dropped due to slow consumers",
	})

	// RateLimitTerminations counts connections closed with code 4003
	RateLimitTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "websocket",
		Name:      "rate_limit_terminations_total",
		Help:      "Connections terminated for exceeding the message rate limit",
	})

	// UpgradeRejections counts upgrade requests refused with 429
	UpgradeRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "websocket",
		Name:      "upgrade_rejections_total",
		Help:      "Upgrade requests rejected by the per-IP rate limit",
	})

	// ActiveRooms tracks the current number of live rooms on this instance
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomcast",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// BatchFlushes counts batch timer flushes per room outcome
	BatchFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "room",
		Name:      "batch_flushes_total",
		Help:      "Total batch queue flushes",
	})

	// BatchedEnvelopes counts envelopes that left a room through a flush
	BatchedEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "room",
		Name:      "batched_envelopes_total",
		Help:      "Total envelopes delivered through batch flushes",
	})

	// BrokerPublishes counts publish attempts by status
	BrokerPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "broker",
		Name:      "publishes_total",
		Help:      "Total broker publish attempts",
	}, []string{"status"})

	// BrokerPublishDrops counts envelopes dropped after publish retries were
	// exhausted
	BrokerPublishDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "broker",
		Name:      "publish_drops_total",
		Help:      "Envelopes dropped after exhausting publish retries",
	})

	// BrokerReceives counts messages delivered by broker subscriptions
	BrokerReceives = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "broker",
		Name:      "receives_total",
		Help:      "Messages received from broker subscriptions",
	})

	// BreakerState exposes the redis circuit breaker state (0=closed, 1=half-open, 2=open)
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomcast",
		Subsystem: "broker",
		Name:      "breaker_state",
		Help:      "Circuit breaker state of the redis broker (0=closed, 1=half-open, 2=open)",
	})

	// SchedulerRuns counts executed task handlers
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "scheduler",
		Name:      "task_runs_total",
		Help:      "Total scheduled task executions",
	}, []string{"status"})

	// SchedulerSkips counts leader-only ticks skipped because the lock was
	// held elsewhere
	SchedulerSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "scheduler",
		Name:      "task_skips_total",
		Help:      "Leader-only task ticks skipped without the lock",
	})

	// StateRetries counts retried state store operations
	StateRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "state",
		Name:      "retries_total",
		Help:      "Retried state store operations",
	})

	// StateFailures counts state store operations that failed after retries
	StateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "state",
		Name:      "failures_total",
		Help:      "State store operations that exhausted their retries",
	})

	// HeartbeatSweeps counts completed heartbeat sweeps
	HeartbeatSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "heartbeat",
		Name:      "sweeps_total",
		Help:      "Completed heartbeat sweeps",
	})

	// HeartbeatTerminations counts connections terminated for missing pongs
	HeartbeatTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomcast",
		Subsystem: "heartbeat",
		Name:      "terminations_total",
		Help:      "Connections terminated by the heartbeat sweep",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}

func IncRoom() {
	ActiveRooms.Inc()
}

func DecRoom() {
	ActiveRooms.Dec()
}
