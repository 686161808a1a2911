// Package metrics holds the Prometheus collectors of the sync transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Manager
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "karaoke_sync_connection_state",
			Help: "1 for the current connection manager state, 0 otherwise",
		},
		[]string{"state"},
	)

	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_sync_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		},
		[]string{"reason"}, // "backoff", "stall", "credential", "reset"
	)

	HandshakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "karaoke_sync_handshake_duration_seconds",
			Help:    "Duration of successful connection handshakes",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatRTT = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "karaoke_sync_heartbeat_rtt_seconds",
			Help:    "Round trip time of heartbeat probes",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// Pool
	PoolMemberHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "karaoke_sync_pool_member_health",
			Help: "Health score (0-100) of each pooled connection",
		},
		[]string{"member"},
	)

	PoolSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "karaoke_sync_pool_switches_total",
			Help: "Total number of active connection switches",
		},
	)

	// Codec
	CodecBytesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "karaoke_sync_codec_bytes_saved_total",
			Help: "Bytes saved by payload compression",
		},
	)

	// Offline queue and fallback
	OfflineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "karaoke_sync_offline_queue_depth",
			Help: "Messages waiting in the offline queue",
		},
	)

	OfflineDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_sync_offline_dropped_total",
			Help: "Offline messages dropped",
		},
		[]string{"reason"}, // "capacity", "attempts"
	)

	FallbackMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "karaoke_sync_fallback_mode",
			Help: "1 while the client runs in fallback mode",
		},
	)

	// Auditor
	SyncChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_sync_sync_checks_total",
			Help: "Sync check outcomes",
		},
		[]string{"result"}, // "matched", "mismatch", "error", "skipped"
	)

	// Dispatcher
	ListenerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_sync_listener_panics_total",
			Help: "Listener panics recovered by the dispatcher",
		},
		[]string{"event"},
	)

	// Reference server
	ServerClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "karaoke_sync_server_clients",
			Help: "Websocket clients connected to the reference server",
		},
	)
)

var states = []string{"disconnected", "connecting", "connected", "reconnecting", "given_up"}

// SetConnectionState marks state as the current one.
func SetConnectionState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
