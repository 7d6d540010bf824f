// Package metrics holds the broker's Prometheus instrumentation: one
// struct of registered collectors, wired into wsconn's dropped-frame
// and invalid-frame callbacks and the router's message-classification,
// rate-limiter, and poll dispatch paths.
//
// Grounded on the teacher's internal/escrow.Metrics: a single struct of
// promauto-registered Counter/Gauge/HistogramVecs plus one Record*
// method per collector, rather than scattering prometheus calls through
// the business logic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the broker registers.
type Metrics struct {
	ConnectionsOpened *prometheus.CounterVec
	ConnectionsClosed *prometheus.CounterVec
	LivePresentations prometheus.GaugeFunc
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	RatelimiterBlocks *prometheus.CounterVec
	DroppedFrames     prometheus.Counter
	InvalidFrames     *prometheus.CounterVec
	PollsCreated      prometheus.Counter
	VotesCast         prometheus.Counter
}

// New registers and returns the broker's metrics. livePresentations is
// sampled lazily by the registry, matching promauto's GaugeFunc pattern
// for values owned by another package (the presentation Store).
func New(livePresentations func() float64) *Metrics {
	return &Metrics{
		ConnectionsOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_connections_opened_total",
				Help: "Total WebSocket connections accepted, by role.",
			},
			[]string{"role"}, // "user" or "presenter"
		),
		ConnectionsClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_connections_closed_total",
				Help: "Total WebSocket connections torn down, by role and reason.",
			},
			[]string{"role", "reason"}, // reason: httpapi records "closed" for every teardown
		),
		LivePresentations: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "broker_live_presentations",
				Help: "Number of presentations currently held by the store.",
			},
			livePresentations,
		),
		MessagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_messages_received_total",
				Help: "Total inbound messages classified, by side and kind.",
			},
			[]string{"side", "kind"}, // side: "user"/"presenter"
		),
		MessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_messages_sent_total",
				Help: "Total outbound frames enqueued, by side and kind.",
			},
			[]string{"side", "kind"},
		),
		RatelimiterBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_ratelimiter_blocks_total",
				Help: "Total user messages blocked, by limiter name.",
			},
			[]string{"limiter"},
		),
		DroppedFrames: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_dropped_frames_total",
				Help: "Total outbound frames dropped from a full send queue.",
			},
		),
		InvalidFrames: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_invalid_frames_total",
				Help: "Total inbound frames rejected before reaching the router, by reason.",
			},
			[]string{"reason"},
		),
		PollsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_polls_created_total",
				Help: "Total polls successfully created.",
			},
		),
		VotesCast: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_votes_cast_total",
				Help: "Total votes successfully recorded.",
			},
		),
	}
}

// RecordConnectionOpened increments the opened counter for role.
func (m *Metrics) RecordConnectionOpened(role string) {
	m.ConnectionsOpened.WithLabelValues(role).Inc()
}

// RecordConnectionClosed increments the closed counter for role/reason.
func (m *Metrics) RecordConnectionClosed(role, reason string) {
	m.ConnectionsClosed.WithLabelValues(role, reason).Inc()
}

// RecordMessageReceived increments the inbound counter for side/kind.
func (m *Metrics) RecordMessageReceived(side, kind string) {
	m.MessagesReceived.WithLabelValues(side, kind).Inc()
}

// RecordMessageSent increments the outbound counter for side/kind.
func (m *Metrics) RecordMessageSent(side, kind string) {
	m.MessagesSent.WithLabelValues(side, kind).Inc()
}

// RecordRatelimiterBlock increments the block counter for the named limiter.
func (m *Metrics) RecordRatelimiterBlock(limiter string) {
	m.RatelimiterBlocks.WithLabelValues(limiter).Inc()
}

// RecordDroppedFrame increments the dropped-frame counter. Passed as the
// onDroppedFrame callback to wsconn.Serve.
func (m *Metrics) RecordDroppedFrame() {
	m.DroppedFrames.Inc()
}

// RecordInvalidFrame increments the invalid-frame counter for reason.
func (m *Metrics) RecordInvalidFrame(reason string) {
	m.InvalidFrames.WithLabelValues(reason).Inc()
}
