// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides the Prometheus instrumentation exposed by the
// observability endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus metrics, registered against a
// private registry rather than the global default so tests can construct
// independent instances without collector-already-registered panics.
type Metrics struct {
	Registry *prometheus.Registry

	// ActiveConnections is the number of client connections currently
	// open, at any pipeline stage. Incremented on accept, decremented on
	// Terminate.
	ActiveConnections prometheus.Gauge

	// RejectedConnections counts connections denied admission by the
	// per-IP rate limiter. It is specific to the Admit stage; HTTP,
	// slowloris, and protocol rejections bump their own counters instead.
	RejectedConnections prometheus.Counter

	// HTTPRejections counts connections classified as a well-formed HTTP
	// request and refused on principle.
	HTTPRejections prometheus.Counter

	// SlowlorisRejections counts connections closed for exceeding a
	// timeout or size bound during any classification stage.
	SlowlorisRejections prometheus.Counter

	// ProtocolRejections counts connections that failed MQTT CONNECT
	// structural validation or whose first byte matched neither MQTT
	// CONNECT nor a known HTTP method.
	ProtocolRejections prometheus.Counter

	// BreakerTrips is additive, non-spec telemetry: it counts upstream
	// dial attempts refused by the circuit breaker while open. It never
	// replaces UpstreamUnreachable handling, only observes it.
	BreakerTrips prometheus.Counter
}

// New constructs a Metrics bundle registered against a fresh private
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		Registry: reg,
		ActiveConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aegis_active_connections",
			Help: "Number of client connections currently open, from accept until termination.",
		}),
		RejectedConnections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aegis_rejected_connections_total",
			Help: "Total connections denied admission by the per-IP rate limiter.",
		}),
		HTTPRejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aegis_http_rejections_total",
			Help: "Total connections rejected as well-formed HTTP requests.",
		}),
		SlowlorisRejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aegis_slowloris_rejections_total",
			Help: "Total connections rejected for exceeding a timeout or size bound during classification.",
		}),
		ProtocolRejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aegis_protocol_rejections_total",
			Help: "Total connections rejected for failing MQTT CONNECT structural validation or an unrecognized first byte.",
		}),
		BreakerTrips: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aegis_breaker_trips_total",
			Help: "Total upstream dial attempts refused while the circuit breaker was open.",
		}),
	}
}
