package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ConnectionOpen          prometheus.Gauge
	ReconnectAttempts       prometheus.Counter
	ReconnectDelay          prometheus.Histogram
	EnvelopesReceived       *prometheus.CounterVec
	EnvelopesSent           *prometheus.CounterVec
	EnvelopesDropped        *prometheus.CounterVec
	HandlerPanics           *prometheus.CounterVec
	CallPhaseTransitions    *prometheus.CounterVec
	ActiveCalls             prometheus.Gauge
	AlertsTotal             *prometheus.CounterVec
	AlertCommitDuration     prometheus.Histogram
	RemindersFired          prometheus.Counter
	ReminderStoreDuration   *prometheus.HistogramVec
	CollaboratorRequestTime *prometheus.HistogramVec
}

// NewMetrics registers every collector on reg. Pass a fresh
// prometheus.NewRegistry() per test.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connection_open",
			Help: "1 while the server connection is open",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "connection_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		}),
		ReconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "connection_reconnect_delay_seconds",
			Help:    "Backoff delay applied before each reconnect",
			Buckets: []float64{1, 2, 4, 8, 15, 30},
		}),
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "envelopes_received_total",
			Help: "Total number of inbound envelopes",
		}, []string{"type"}),
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "envelopes_sent_total",
			Help: "Total number of outbound envelopes written",
		}, []string{"type"}),
		EnvelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "envelopes_dropped_total",
			Help: "Total number of outbound envelopes dropped because the connection was not open",
		}, []string{"type"}),
		HandlerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_handler_panics_total",
			Help: "Total number of recovered subscriber panics",
		}, []string{"topic"}),
		CallPhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "call_phase_transitions_total",
			Help: "Total number of call phase transitions",
		}, []string{"phase"}),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "call_sessions_active",
			Help: "Current number of non-terminal call sessions",
		}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emergency_alerts_total",
			Help: "Total number of emergency alerts by final status",
		}, []string{"status"}),
		AlertCommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "emergency_alert_commit_duration_seconds",
			Help:    "Time from countdown expiry to commit result",
			Buckets: prometheus.DefBuckets,
		}),
		RemindersFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "reminders_fired_total",
			Help: "Total number of medication reminders marked fired",
		}),
		ReminderStoreDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reminder_store_operation_duration_seconds",
			Help:    "Time taken for reminder store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		CollaboratorRequestTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collaborator_request_duration_seconds",
			Help:    "Time taken for REST collaborator calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}
