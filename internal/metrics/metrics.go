package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat engine metrics for production monitoring
var (
	// Connection metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketchat_frames_received_total",
			Help: "Total number of frames decoded from the chat connection",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketchat_frames_dropped_total",
			Help: "Total number of inbound frames dropped",
		},
		[]string{"reason"}, // reason: decode/unknown
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketchat_reconnect_attempts_total",
			Help: "Total number of scheduled reconnection attempts",
		},
	)

	ReconnectExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketchat_reconnect_exhausted_total",
			Help: "Total number of times the reconnection budget ran out",
		},
	)

	ConnectionOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketchat_connection_open",
			Help: "Number of chat connections currently open",
		},
	)

	// Outbound metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketchat_messages_sent_total",
			Help: "Total number of composed messages by delivery path",
		},
		[]string{"path"}, // path: socket/fallback/rolled_back
	)

	FallbackDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketchat_fallback_append_duration_seconds",
			Help:    "Duration of durable append calls made when the socket is unavailable",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
	)

	// Reconciliation metrics
	ReconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketchat_reconcile_outcomes_total",
			Help: "Total number of inbound messages by reconciliation outcome",
		},
		[]string{"outcome"}, // outcome: replaced/appended/duplicate
	)

	// Typing metrics
	TypingSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketchat_typing_signals_total",
			Help: "Total number of outbound typing signals",
		},
		[]string{"result"}, // result: sent/suppressed
	)

	// History metrics
	HistoryLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketchat_history_load_duration_seconds",
			Help:    "Duration of conversation history loads",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	// Relay metrics
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketchat_relay_connections",
			Help: "Number of WebSocket clients attached to the relay",
		},
	)

	RelayBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketchat_relay_broadcasts_total",
			Help: "Total number of frames fanned out by the relay",
		},
		[]string{"type"},
	)
)
