// Package metrics provides Prometheus instrumentation for the engagement
// engine. It exposes gauges for connection and presence state, and counters
// for routed events, notifications, and challenge transitions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState tracks the gateway socket state (0=closed, 1=connecting, 2=open).
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engage_connection_state",
		Help: "Gateway socket state (0=closed, 1=connecting, 2=open)",
	})

	// Reconnects counts reconnect attempts against the gateway socket.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engage_reconnects_total",
		Help: "Total number of gateway reconnect attempts",
	})

	// EventsRouted counts routed pub/sub events, labeled by topic kind:
	// "user", "event", or "global".
	EventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_events_routed_total",
		Help: "Total number of pub/sub events routed to handlers",
	}, []string{"topic"})

	// MalformedEvents counts inbound messages dropped as unparseable.
	MalformedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engage_malformed_events_total",
		Help: "Total number of inbound messages dropped as malformed",
	})

	// Notifications counts processed notifications by kind.
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_notifications_total",
		Help: "Total number of notifications processed",
	}, []string{"kind"})

	// AlertsSuppressed counts alerts swallowed by the dedupe window.
	AlertsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engage_alerts_suppressed_total",
		Help: "Total number of alerts suppressed by the dedupe window",
	})

	// ChallengeTransitions counts committed challenge transitions by action:
	// "accept", "decline", "cancel", "resolve", "dispute", or "reconcile".
	ChallengeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_challenge_transitions_total",
		Help: "Total number of committed challenge transitions",
	}, []string{"action"})

	// TypingUsers tracks the number of users currently marked typing across
	// all rooms.
	TypingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engage_typing_users",
		Help: "Current number of users with a live typing entry",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		Reconnects,
		EventsRouted,
		MalformedEvents,
		Notifications,
		AlertsSuppressed,
		ChallengeTransitions,
		TypingUsers,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
