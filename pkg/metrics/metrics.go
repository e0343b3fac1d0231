// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GatewayRequestsTotal tracks outbound REST requests by final status.
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparchat_gateway_requests_total",
			Help: "Total outbound API requests",
		},
		[]string{"method", "status"},
	)

	// TokenRefreshTotal tracks refresh exchanges by result.
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparchat_token_refresh_total",
			Help: "Total access token refresh exchanges",
		},
		[]string{"result"},
	)

	// ConnectionState exposes the realtime channel state (1 for the current state).
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sparchat_realtime_connection_state",
			Help: "Realtime channel connection state",
		},
		[]string{"state"},
	)

	// RealtimeEventsTotal tracks inbound realtime events.
	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparchat_realtime_events_total",
			Help: "Total realtime events received",
		},
		[]string{"event"},
	)

	// ReconnectsTotal tracks reconnect attempts.
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sparchat_realtime_reconnects_total",
			Help: "Total realtime reconnect attempts",
		},
	)

	// NotificationsTotal tracks toasts raised by kind.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparchat_notifications_total",
			Help: "Total user notifications raised",
		},
		[]string{"level"},
	)

	// ServerConnectionsActive tracks websocket clients on the dev server.
	ServerConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sparchat_server_connections_active",
			Help: "Number of active websocket connections",
		},
	)

	// ServerMessagesTotal tracks messages accepted by the dev server.
	ServerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparchat_server_messages_total",
			Help: "Total messages accepted by the server",
		},
		[]string{"kind"},
	)
)

var connectionStates = []string{"disconnected", "connecting", "connected", "errored"}

// SetConnectionState marks state as the current channel state.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordRequest records metrics for an outbound API request.
func RecordRequest(method, status string) {
	GatewayRequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordRefresh records the result of a refresh exchange.
func RecordRefresh(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	TokenRefreshTotal.WithLabelValues(result).Inc()
}
