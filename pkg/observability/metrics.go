// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring mcpconnect.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ToolBuckets defines histogram buckets for MCP tool call latencies,
// ranging from 50ms to 120s.
var ToolBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts management API requests by method, route, and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_requests_total",
			Help: "Total management API requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records management API request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpconnect_request_duration_seconds",
			Help:    "Management API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ConnectionState is 1 for the current state of each server connection
	// and 0 for every other state.
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpconnect_connection_state",
			Help: "Connection state per server (1 = current)",
		},
		[]string{"server", "scope", "state"},
	)

	// ConnectionTransitionsTotal counts state machine transitions.
	ConnectionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_connection_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"server", "from", "to"},
	)

	// ReconnectAttemptsTotal counts reconnection attempts by outcome.
	ReconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_reconnect_attempts_total",
			Help: "Reconnection attempts",
		},
		[]string{"server", "outcome"},
	)

	// FlowsTotal counts flow outcomes by flow type.
	FlowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_flows_total",
			Help: "Flow outcomes",
		},
		[]string{"type", "outcome"},
	)

	// OAuthOperationsTotal counts OAuth operations against authorization servers.
	OAuthOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_oauth_operations_total",
			Help: "OAuth operations",
		},
		[]string{"operation", "outcome"},
	)

	// ToolCallsTotal counts tool invocations by server and outcome.
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_tool_calls_total",
			Help: "Tool calls",
		},
		[]string{"server", "status"},
	)

	// ToolCallDuration records tool call latency in seconds.
	ToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpconnect_tool_call_duration_seconds",
			Help:    "Tool call latency",
			Buckets: ToolBuckets,
		},
		[]string{"server"},
	)

	// UserConnections tracks the number of pooled per-user connections.
	UserConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpconnect_user_connections",
			Help: "Pooled per-user connections",
		},
	)

	// IdleEvictionsTotal counts per-user connections evicted for inactivity.
	IdleEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpconnect_idle_evictions_total",
			Help: "Idle per-user connection evictions",
		},
	)

	// AuthRejectedTotal counts management API requests rejected by authentication.
	AuthRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpconnect_auth_rejected_total",
			Help: "Authentication rejections",
		},
		[]string{"reason"},
	)
)

// States lists every connection state label, used to zero the gauge for
// states a connection has left.
var States = []string{"disconnected", "connecting", "connected", "error"}

// SetConnectionState marks state as current for server and zeroes the rest.
func SetConnectionState(server, scope, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(server, scope, s).Set(v)
	}
}

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ConnectionState,
		ConnectionTransitionsTotal,
		ReconnectAttemptsTotal,
		FlowsTotal,
		OAuthOperationsTotal,
		ToolCallsTotal,
		ToolCallDuration,
		UserConnections,
		IdleEvictionsTotal,
		AuthRejectedTotal,
	)
}
