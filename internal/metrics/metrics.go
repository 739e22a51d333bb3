package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomwatch"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by outcome.",
		}, []string{"outcome"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "active_connections",
			Help:      "Rooms with an active connection record.",
		},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "disconnects_total",
			Help:      "Disconnect hand-offs by reason.",
		}, []string{"reason"},
	)
	autoDisabled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "auto_disabled_total",
			Help:      "Rooms whose monitoring was switched off after repeated identity failures.",
		},
	)
	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after unexpected transport drops.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state_transitions_total",
			Help:      "Connection session state transitions.",
		}, []string{"from", "to"},
	)
	heartbeatChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "checks_total",
			Help:      "Per-room heartbeat verdicts.",
		}, []string{"verdict"},
	)
	sessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "sessions_created_total",
			Help:      "Sessions created, by origin (disconnect or stale recovery).",
		}, []string{"origin"},
	)
	sessionsMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "sessions_merged_total",
			Help:      "Fragment sessions folded into an earlier session.",
		},
	)
	archiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "duration_seconds",
			Help:      "Time spent archiving one disconnect.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	credentials = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "keys",
			Help:      "Credentials in the pool by state.",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		connectAttempts, activeConnections, disconnects, autoDisabled,
		reconnectAttempts, stateTransitions, heartbeatChecks,
		sessionsCreated, sessionsMerged, archiveDuration, credentials,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncConnectAttempt(outcome string) {
	if regOK.Load() {
		connectAttempts.WithLabelValues(outcome).Inc()
	}
}

func SetActiveConnections(n int) {
	if regOK.Load() {
		activeConnections.Set(float64(n))
	}
}

func IncDisconnect(reason string) {
	if regOK.Load() {
		disconnects.WithLabelValues(reason).Inc()
	}
}

func IncAutoDisabled() {
	if regOK.Load() {
		autoDisabled.Inc()
	}
}

func IncReconnectAttempt() {
	if regOK.Load() {
		reconnectAttempts.Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncHeartbeat(verdict string) {
	if regOK.Load() {
		heartbeatChecks.WithLabelValues(verdict).Inc()
	}
}

func IncSessionCreated(origin string) {
	if regOK.Load() {
		sessionsCreated.WithLabelValues(origin).Inc()
	}
}

func AddSessionsMerged(n int) {
	if regOK.Load() && n > 0 {
		sessionsMerged.Add(float64(n))
	}
}

func ObserveArchiveDuration(seconds float64) {
	if regOK.Load() {
		archiveDuration.Observe(seconds)
	}
}

func SetCredentials(active, disabled int) {
	if regOK.Load() {
		credentials.WithLabelValues("active").Set(float64(active))
		credentials.WithLabelValues("disabled").Set(float64(disabled))
	}
}
