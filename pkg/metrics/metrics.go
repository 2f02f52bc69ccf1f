// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive tracks open websocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_connections_active",
			Help: "Number of open websocket connections",
		},
	)

	// SSEConnectionsActive tracks open event streams.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sse_connections_active",
			Help: "Number of open server-sent event streams",
		},
	)

	// WSCommandsTotal counts inbound commands by outcome.
	WSCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_commands_total",
			Help: "Websocket commands processed",
		},
		[]string{"command", "status"},
	)

	// WSFramesDropped counts outbound frames dropped because a session queue was full.
	WSFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_ws_frames_dropped_total",
			Help: "Outbound frames dropped for slow consumers",
		},
	)

	// OnlineUsers tracks users with at least one attached session on this node.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Users with at least one open session",
		},
	)

	// DeliveriesTotal counts realtime events handed to sessions.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_deliveries_total",
			Help: "Realtime events delivered to sessions",
		},
		[]string{"event"},
	)

	// BusPublishErrors counts failed pub/sub publishes.
	BusPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_bus_publish_errors_total",
			Help: "Failed publishes on the realtime bus",
		},
		[]string{"scope"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_conversations_total",
			Help: "Total conversations created",
		},
		[]string{"kind"},
	)

	// MessagesTotal tracks total messages sent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total messages sent",
		},
		[]string{"type"},
	)

	// JournalPublishErrors counts failed JetStream journal writes.
	JournalPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_journal_publish_errors_total",
			Help: "Failed journal writes",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordCommand records the outcome of one websocket command.
func RecordCommand(command, status string) {
	WSCommandsTotal.WithLabelValues(command, status).Inc()
}

// IncrementWSConnections increments the open websocket connection count.
func IncrementWSConnections() {
	WSConnectionsActive.Inc()
}

// DecrementWSConnections decrements the open websocket connection count.
func DecrementWSConnections() {
	WSConnectionsActive.Dec()
}

// IncrementSSEConnections increments the open event stream count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the open event stream count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
