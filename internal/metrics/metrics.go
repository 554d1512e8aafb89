package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IngestResults counts boundary outcomes per source.
// result ∈ accepted | duplicate | error.
var IngestResults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingest_events_total",
		Help: "Events received at the ingress boundary, by source and result",
	},
	[]string{"source", "result"},
)

// ConsumerOutcomes counts claimed ingest messages by terminal outcome.
// outcome ∈ processed | stale | duplicate | redelivered | malformed |
// failed | error.
var ConsumerOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Ingest queue messages handled by the consumer, by outcome",
	},
	[]string{"outcome"},
)

// OutboundResults counts dispatch attempts against the upstream.
// result ∈ ok | rate_limited | dropped | error.
var OutboundResults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outbound_dispatch_total",
		Help: "Outbound queue messages dispatched upstream, by result",
	},
	[]string{"result"},
)

// QueueOpDuration measures how long queue and database operations take.
var QueueOpDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "queue_op_duration_seconds",
		Help: "Duration of durable queue operations in seconds",
		// Reads long-poll up to several seconds; writes should be milliseconds.
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	},
	[]string{"op"},
)

// QueueDepth is refreshed by the cron monitor, not on every operation.
var QueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Messages currently on each named queue",
	},
	[]string{"queue"},
)

// PoisonMessages counts visible messages whose read_count crossed the
// quarantine threshold, per queue. Refreshed by the cron monitor.
var PoisonMessages = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "queue_poison_messages",
		Help: "Visible messages at or above the poison read-count threshold",
	},
	[]string{"queue"},
)

// BroadcastDropped counts change events dropped for slow SSE subscribers.
var BroadcastDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "broadcast_dropped_events_total",
		Help: "Change events dropped because a subscriber buffer was full",
	},
)
