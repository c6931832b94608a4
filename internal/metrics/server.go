package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics holds the collectors of the development server. A nil
// *ServerMetrics records nothing.
type ServerMetrics struct {
	connections   prometheus.Gauge
	subscriptions prometheus.Gauge
	requests      *prometheus.CounterVec
	mutations     *prometheus.CounterVec
}

func NewServer(reg prometheus.Registerer) *ServerMetrics {
	f := promauto.With(reg)
	return &ServerMetrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "connections",
			Help:      "The number of connected websocket clients.",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "subscriptions",
			Help:      "The number of live subscriptions across all clients.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "requests_total",
			Help:      "The total number of requests handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "mutations_total",
			Help:      "The total number of committed writes, by collection.",
		}, []string{"collection"}),
	}
}

func (m *ServerMetrics) ClientConnected() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *ServerMetrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SubscriptionsChanged adds delta to the live subscription gauge.
func (m *ServerMetrics) SubscriptionsChanged(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
}

func (m *ServerMetrics) Request(typ string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(typ, outcome).Inc()
}

func (m *ServerMetrics) Mutation(collection string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(collection).Inc()
}
