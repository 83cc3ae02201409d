// Package metrics exposes Prometheus collectors for the feed, the registry
// and the downstream sinks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/regadera/internal/registry"
)

const namespace = "regadera"

// Metrics owns a private Prometheus registry so several servers can run in
// one process, as they do in tests.
type Metrics struct {
	reg *prometheus.Registry

	connections       *prometheus.GaugeVec
	channelMembers    *prometheus.GaugeVec
	framesRejected    *prometheus.CounterVec
	readingsPublished prometheus.Counter
	deliveries        *prometheus.CounterVec
	sinkWrites        *prometheus.CounterVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections by role.",
		}, []string{"role"}),
		channelMembers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_members",
			Help:      "Connections joined to each channel.",
		}, []string{"channel"}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Producer frames answered with a diagnostic, by kind.",
		}, []string{"kind"}),
		readingsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_published_total",
			Help:      "Readings persisted and broadcast to observers.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-connection broadcast deliveries, by channel and result.",
		}, []string{"channel", "result"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Downstream sink writes, by sink and result.",
		}, []string{"sink", "result"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.channelMembers,
		m.framesRejected,
		m.readingsPublished,
		m.deliveries,
		m.sinkWrites,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ConnectionOpened(role string) {
	m.connections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role string) {
	m.connections.WithLabelValues(role).Dec()
}

func (m *Metrics) FrameRejected(kind string) {
	m.framesRejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReadingPublished(delivered, failed int) {
	m.readingsPublished.Inc()
}

// SinkWrite records the outcome of one sink write: "ok", "error" or "dropped".
func (m *Metrics) SinkWrite(sink, result string) {
	m.sinkWrites.WithLabelValues(sink, result).Inc()
}

// RegistryObserver returns callbacks that keep channel gauges and delivery
// counters current.
func (m *Metrics) RegistryObserver() registry.Observer {
	return registry.Observer{
		OnMembership: func(channel string, members int) {
			m.channelMembers.WithLabelValues(channel).Set(float64(members))
		},
		OnDelivery: func(channel string, ok bool) {
			result := "ok"
			if !ok {
				result = "error"
			}
			m.deliveries.WithLabelValues(channel, result).Inc()
		},
	}
}
