// Package metrics declares Ember's Prometheus instruments.
//
// All instruments are registered on the default registry and exposed via
// /metrics by the app wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthValidations counts access-token validations by outcome
	// (ok, expired, revoked, malformed, store_unavailable).
	AuthValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Subsystem: "auth",
		Name:      "validations_total",
		Help:      "Access token validations by outcome.",
	}, []string{"outcome"})

	// AuthRotations counts refresh rotations by outcome
	// (ok, replayed, expired, revoked, malformed, store_unavailable).
	AuthRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Subsystem: "auth",
		Name:      "rotations_total",
		Help:      "Refresh token rotations by outcome.",
	}, []string{"outcome"})

	// Revocations counts revocation operations by scope (session, user, all).
	Revocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Subsystem: "auth",
		Name:      "revocations_total",
		Help:      "Revocation operations by scope.",
	}, []string{"scope"})

	// WSConnections tracks currently open realtime connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ember",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Currently open realtime connections.",
	})

	// WSForcedDisconnects counts connections terminated by a revocation event.
	WSForcedDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ember",
		Subsystem: "ws",
		Name:      "forced_disconnects_total",
		Help:      "Connections closed because their session was revoked.",
	})
)
