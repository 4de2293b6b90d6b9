// Package metrics provides Prometheus metrics for the switch core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "switchcore"
)

// Metrics contains all Prometheus metrics for the switch.
type Metrics struct {
	// Dial metrics
	DialsInFlight    prometheus.Gauge
	DialsTotal       *prometheus.CounterVec // by transport, outcome
	DialLatency      *prometheus.HistogramVec
	TransportFailovers prometheus.Counter

	// Connection metrics
	ConnectionsEncrypted prometheus.Gauge
	ConnectionsMuxed     prometheus.Gauge
	ConnectionsTotal     *prometheus.CounterVec // by direction, outcome
	Disconnects          *prometheus.CounterVec // by reason

	// Muxer metrics
	SubstreamsActive prometheus.Gauge
	SubstreamsOpened prometheus.Counter
	SubstreamsClosed prometheus.Counter
	MuxersActive     prometheus.Gauge

	// ObserverTap byte counters, labeled by (transport, protocol)
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, so tests and embedding callers don't collide with the default
// global registerer.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DialsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dials_in_flight",
			Help:      "Number of dials currently in the global dial scheduler",
		}),
		DialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Total dial attempts by transport and outcome",
		}, []string{"transport", "outcome"}),
		DialLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_seconds",
			Help:      "Histogram of time from dial() to a muxed or unmuxed CONNECTED state",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"transport"}),
		TransportFailovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_failovers_total",
			Help:      "Total times DIALING fell through to the next available transport",
		}),

		ConnectionsEncrypted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_encrypted",
			Help:      "Number of encrypted connections not yet (or no longer) muxed",
		}),
		ConnectionsMuxed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_muxed",
			Help:      "Number of fully muxed connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections reaching CONNECTED or MUXED, by direction and outcome",
		}, []string{"direction", "outcome"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total disconnections by reason",
		}, []string{"reason"}),

		SubstreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "substreams_active",
			Help:      "Number of currently open substreams across all muxers",
		}),
		SubstreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substreams_opened_total",
			Help:      "Total substreams opened",
		}),
		SubstreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substreams_closed_total",
			Help:      "Total substreams closed",
		}),
		MuxersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "muxers_active",
			Help:      "Number of currently registered muxed connections",
		}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent through an ObserverTap, by transport and protocol",
		}, []string{"transport", "protocol"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received through an ObserverTap, by transport and protocol",
		}, []string{"transport", "protocol"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of crypto handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
	}
}

// RecordDial records a dial attempt outcome on one transport.
func (m *Metrics) RecordDial(transport, outcome string, latencySeconds float64) {
	m.DialsTotal.WithLabelValues(transport, outcome).Inc()
	if outcome == "success" {
		m.DialLatency.WithLabelValues(transport).Observe(latencySeconds)
	}
}

// RecordTransportFailover records DIALING falling through to the next
// available transport.
func (m *Metrics) RecordTransportFailover() {
	m.TransportFailovers.Inc()
}

// RecordConnectionEncrypted records a connection reaching ENCRYPTED.
func (m *Metrics) RecordConnectionEncrypted() {
	m.ConnectionsEncrypted.Inc()
}

// RecordConnectionMuxed records a connection promoted from encrypted-only
// to fully muxed.
func (m *Metrics) RecordConnectionMuxed() {
	m.ConnectionsEncrypted.Dec()
	m.ConnectionsMuxed.Inc()
}

// RecordConnectionOutcome records a connection reaching a terminal
// CONNECTED or MUXED outcome.
func (m *Metrics) RecordConnectionOutcome(direction, outcome string) {
	m.ConnectionsTotal.WithLabelValues(direction, outcome).Inc()
}

// RecordDisconnect records a connection reaching DISCONNECTING, releasing
// whichever gauge it was occupying.
func (m *Metrics) RecordDisconnect(reason string, wasMuxed bool) {
	if wasMuxed {
		m.ConnectionsMuxed.Dec()
	} else {
		m.ConnectionsEncrypted.Dec()
	}
	m.Disconnects.WithLabelValues(reason).Inc()
}

// RecordSubstreamOpen records a substream being opened or accepted.
func (m *Metrics) RecordSubstreamOpen() {
	m.SubstreamsActive.Inc()
	m.SubstreamsOpened.Inc()
}

// RecordSubstreamClose records a substream closing.
func (m *Metrics) RecordSubstreamClose() {
	m.SubstreamsActive.Dec()
	m.SubstreamsClosed.Inc()
}

// RecordMuxerRegistered records a Muxer being registered in muxedConns.
func (m *Metrics) RecordMuxerRegistered() {
	m.MuxersActive.Inc()
}

// RecordMuxerClosed records a Muxer being released.
func (m *Metrics) RecordMuxerClosed() {
	m.MuxersActive.Dec()
}

// RecordBytesSent records bytes written through an ObserverTap.
func (m *Metrics) RecordBytesSent(transport, protocol string, n int) {
	m.BytesSent.WithLabelValues(transport, protocol).Add(float64(n))
}

// RecordBytesReceived records bytes read through an ObserverTap.
func (m *Metrics) RecordBytesReceived(transport, protocol string, n int) {
	m.BytesReceived.WithLabelValues(transport, protocol).Add(float64(n))
}

// RecordHandshake records a successful crypto handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error by type.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}
