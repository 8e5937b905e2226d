package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "synthmesh"

// Metrics holds the node counters.
// All the methods are safe to call on a nil value, so components may go without it.
type Metrics struct {
	reg *prometheus.Registry

	connected  prometheus.Gauge
	created    *prometheus.CounterVec
	removed    *prometheus.CounterVec
	inbound    *prometheus.CounterVec
	outbound   prometheus.Counter
	dropped    *prometheus.CounterVec
	reconnects prometheus.Counter
	latency    *prometheus.GaugeVec
}

// NewMetrics makes a set of metrics in its own registry.
// The role param is attached to every metric as a constant label.
func NewMetrics(role string) *Metrics {
	labels := prometheus.Labels{"role": role}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_connected", ConstLabels: labels,
			Help: "Number of peers with an open data channel.",
		}),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total", ConstLabels: labels,
			Help: "Peer sessions created by the side of negotiation.",
		}, []string{"side"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_removed_total", ConstLabels: labels,
			Help: "Peer sessions removed by reason.",
		}, []string{"reason"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_in_total", ConstLabels: labels,
			Help: "Received messages by type.",
		}, []string{"type"}),
		outbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_out_total", ConstLabels: labels,
			Help: "Messages sent to peers over data channels.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dropped_total", ConstLabels: labels,
			Help: "Dropped messages by reason.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_reconnects_total", ConstLabels: labels,
			Help: "Relay connections restored after a loss.",
		}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peer_latency_ms", ConstLabels: labels,
			Help: "The last measured round trip time to a peer.",
		}, []string{"peer"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connected, m.created, m.removed, m.inbound, m.outbound, m.dropped, m.reconnects, m.latency,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SessionCreated(side string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(side).Inc()
}

func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.connected.Inc()
}

// SessionRemoved counts a removed session, wasConnected
// tells if it had been counted as connected before.
func (m *Metrics) SessionRemoved(reason string, wasConnected bool) {
	if m == nil {
		return
	}
	m.removed.WithLabelValues(reason).Inc()
	if wasConnected {
		m.connected.Dec()
	}
}

func (m *Metrics) In(t string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(t).Inc()
}

func (m *Metrics) Out() {
	if m == nil {
		return
	}
	m.outbound.Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Latency(peer string, ms int64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(peer).Set(float64(ms))
}

// Forget removes all the per-peer series of the peer.
func (m *Metrics) Forget(peer string) {
	if m == nil {
		return
	}
	m.latency.DeleteLabelValues(peer)
}
