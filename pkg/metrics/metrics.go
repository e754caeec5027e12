package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	SessionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nestlink_session_status",
			Help: "Current session status (1 for the active status, 0 otherwise)",
		},
		[]string{"status"},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_session_transitions_total",
			Help: "Total number of session status transitions",
		},
		[]string{"from", "to"},
	)

	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_connect_attempts_total",
			Help: "Total number of hub connection attempts",
		},
		[]string{"result"}, // success, failure, superseded, no_credentials
	)

	ConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nestlink_connect_duration_seconds",
			Help:    "Time to open a hub connection (negotiate, upgrade and handshake)",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 15.0},
		},
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestlink_live_connections",
			Help: "Number of live hub connections held by the connector (never above 1)",
		},
	)

	TransportEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_transport_events_total",
			Help: "Transport lifecycle events observed by the session",
		},
		[]string{"event"}, // reconnecting, reconnected, closed
	)

	ManualRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_manual_retries_total",
			Help: "Manual retry timer outcomes",
		},
		[]string{"reason", "outcome"}, // reason: open_failed, dropped; outcome: connect, skipped
	)

	TeardownFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestlink_teardown_failures_total",
			Help: "Connection teardowns that returned an error",
		},
	)

	ForegroundResumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_foreground_resumes_total",
			Help: "Foreground transitions and whether they triggered a reconnect",
		},
		[]string{"action"}, // connect, none
	)
)

// Message metrics
var (
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestlink_messages_received_total",
			Help: "Inbound messages appended to the message log",
		},
	)

	MessagesUnwrapped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestlink_messages_unwrapped_total",
			Help: "Inbound messages that arrived in a payload envelope",
		},
	)

	MessageLogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestlink_message_log_size",
			Help: "Number of entries in the session message log",
		},
	)
)

// Credential metrics
var (
	CredentialChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_credential_changes_total",
			Help: "Credential changes reported by the poller",
		},
		[]string{"state"}, // present, absent
	)

	CredentialReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_credential_reads_total",
			Help: "Credential store reads",
		},
		[]string{"backend", "result"},
	)
)

// Hub transport metrics
var (
	HubNegotiations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_hub_negotiations_total",
			Help: "Hub negotiate requests",
		},
		[]string{"result"},
	)

	HubFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_hub_frames_received_total",
			Help: "Hub protocol records received, by message type",
		},
		[]string{"type"},
	)

	HubReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_hub_reconnect_attempts_total",
			Help: "Automatic reconnect attempts made by the hub client",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nestlink_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Health and status API metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nestlink_component_health_status",
			Help: "Health status of components (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestlink_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"component"},
	)

	StatusAPIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestlink_status_api_requests_total",
			Help: "Status API requests by route and response code",
		},
		[]string{"route", "code"},
	)
)

// SetSessionStatus marks status as the single active value of the status gauge.
func SetSessionStatus(status string, all []string) {
	for _, s := range all {
		if s == status {
			SessionStatus.WithLabelValues(s).Set(1)
		} else {
			SessionStatus.WithLabelValues(s).Set(0)
		}
	}
}
