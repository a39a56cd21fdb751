/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package metrics holds the prometheus collectors for call sessions and the
// signaling relay. Collectors are registered on a caller-supplied registry so
// independent clients never share state. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all call and relay metrics.
type Metrics struct {
	CallsStartedTotal        *prometheus.CounterVec
	CallsEndedTotal          *prometheus.CounterVec
	CallsActive              prometheus.Gauge
	CallSetupSeconds         prometheus.Histogram
	CallDurationSeconds      prometheus.Histogram
	MediaAcquireFailures     *prometheus.CounterVec
	ScreenShareTotal         prometheus.Counter
	RelayConnections         prometheus.Gauge
	RelayMessagesTotal       *prometheus.CounterVec
	RelayUndeliveredTotal    prometheus.Counter
	RelayRateLimitedTotal    prometheus.Counter
	SignalingReconnectsTotal prometheus.Counter
}

// New registers the collectors on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CallsStartedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Total number of call sessions created, by direction",
		}, []string{"direction"}),

		CallsEndedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Total number of call sessions that reached a terminal state, by state and reason",
		}, []string{"state", "reason"}),

		CallsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of call sessions currently active",
		}),

		CallSetupSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_setup_seconds",
			Help:      "Time from session creation to the call becoming active",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		CallDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of active consultations",
			Buckets:   []float64{30, 60, 300, 600, 900, 1800, 3600},
		}),

		MediaAcquireFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_acquire_failures_total",
			Help:      "Total number of failed media acquisitions, by error kind",
		}, []string{"kind"}),

		ScreenShareTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screen_share_started_total",
			Help:      "Total number of screen share substitutions",
		}),

		RelayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Number of clients connected to the signaling relay",
		}),

		RelayMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Total number of signaling messages forwarded, by type",
		}, []string{"type"}),

		RelayUndeliveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_undelivered_total",
			Help:      "Total number of signaling messages addressed to an offline participant",
		}),

		RelayRateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rate_limited_total",
			Help:      "Total number of signaling messages dropped by the per-connection rate limit",
		}),

		SignalingReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_reconnects_total",
			Help:      "Total number of signaling websocket reconnects",
		}),
	}
}

// CallStarted records a new session.
func (m *Metrics) CallStarted(direction string) {
	if m == nil {
		return
	}
	m.CallsStartedTotal.WithLabelValues(direction).Inc()
}

// CallActive records a session becoming active after setup.
func (m *Metrics) CallActive(setup time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
	m.CallSetupSeconds.Observe(setup.Seconds())
}

// CallEnded records a session reaching a terminal state. active is the time
// spent in the active state, zero if it never connected.
func (m *Metrics) CallEnded(state, reason string, wasActive bool, active time.Duration) {
	if m == nil {
		return
	}
	m.CallsEndedTotal.WithLabelValues(state, reason).Inc()
	if wasActive {
		m.CallsActive.Dec()
		m.CallDurationSeconds.Observe(active.Seconds())
	}
}

// AcquireFailed records a media acquisition failure.
func (m *Metrics) AcquireFailed(kind string) {
	if m == nil {
		return
	}
	m.MediaAcquireFailures.WithLabelValues(kind).Inc()
}

// ScreenShareStarted records a screen share substitution.
func (m *Metrics) ScreenShareStarted() {
	if m == nil {
		return
	}
	m.ScreenShareTotal.Inc()
}

// RelayConnected adjusts the relay connection gauge by delta.
func (m *Metrics) RelayConnected(delta int) {
	if m == nil {
		return
	}
	m.RelayConnections.Add(float64(delta))
}

// RelayForwarded records a forwarded message of msgType.
func (m *Metrics) RelayForwarded(msgType string) {
	if m == nil {
		return
	}
	m.RelayMessagesTotal.WithLabelValues(msgType).Inc()
}

// RelayUndelivered records a message for an offline recipient.
func (m *Metrics) RelayUndelivered() {
	if m == nil {
		return
	}
	m.RelayUndeliveredTotal.Inc()
}

// RelayRateLimited records a message dropped by rate limiting.
func (m *Metrics) RelayRateLimited() {
	if m == nil {
		return
	}
	m.RelayRateLimitedTotal.Inc()
}

// SignalingReconnected records a websocket reconnect.
func (m *Metrics) SignalingReconnected() {
	if m == nil {
		return
	}
	m.SignalingReconnectsTotal.Inc()
}
