// Package metrics exposes Prometheus collectors for a character connection.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	Interruptions   prometheus.Counter
	Reconnects      prometheus.Counter
	ConnectionState prometheus.Gauge
	StateSaves      *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered on its own
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "agentlink"
	}

	registry := prometheus.NewRegistry()

	packetsSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets written to the socket",
		},
		[]string{"type"},
	)

	packetsReceived := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets received from the backend",
		},
		[]string{"type"},
	)

	interruptions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total character responses cancelled by the client",
		},
	)

	reconnects := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnects forced by expired sessions",
		},
	)

	connectionState := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state: 0 inactive, 1 loading, 2 loaded, 3 activating, 4 active",
		},
	)

	stateSaves := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_saves_total",
			Help:      "Session state save attempts by result",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		packetsSent,
		packetsReceived,
		interruptions,
		reconnects,
		connectionState,
		stateSaves,
	)

	return &Metrics{
		registry:        registry,
		PacketsSent:     packetsSent,
		PacketsReceived: packetsReceived,
		Interruptions:   interruptions,
		Reconnects:      reconnects,
		ConnectionState: connectionState,
		StateSaves:      stateSaves,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSent(packetType string) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(packetType).Inc()
}

func (m *Metrics) RecordReceived(packetType string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(packetType).Inc()
}

func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

// RecordSave records a persistence attempt; result is "saved", "skipped"
// or "error".
func (m *Metrics) RecordSave(result string) {
	if m == nil {
		return
	}
	m.StateSaves.WithLabelValues(result).Inc()
}
