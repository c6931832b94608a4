// Package metrics holds the Prometheus collectors of the watch engine.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hzwatch"

// Metrics groups every collector exported by the engine.
type Metrics struct {
	connectAttempts  prometheus.Counter
	retriesScheduled prometheus.Counter
	connected        prometheus.Gauge

	watchersActive  prometheus.Gauge
	watchersOpened  prometheus.Counter
	subscribers     prometheus.Gauge
	eventsTotal     *prometheus.CounterVec
	echoesConfirmed *prometheus.CounterVec
	deliveryFailed  *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "The total number of transport connection attempts.",
		}),
		retriesScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "retries_scheduled_total",
			Help:      "The total number of connection retries scheduled after a failure.",
		}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "ready",
			Help:      "1 while the transport connection is ready.",
		}),
		watchersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "watchers",
			Help:      "The number of open upstream subscriptions.",
		}),
		watchersOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "watchers_opened_total",
			Help:      "The total number of upstream subscriptions opened.",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "subscribers",
			Help:      "The number of registered local subscribers.",
		}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "The total number of change events dispatched, by model and kind.",
		}, []string{"model", "kind"}),
		echoesConfirmed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "echoes_confirmed_total",
			Help:      "The total number of change events recognised as echoes of local writes.",
		}, []string{"model"}),
		deliveryFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "delivery_failures_total",
			Help:      "The total number of subscriber deliveries that returned an error or panicked.",
		}, []string{"model"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "identity_anomalies_total",
			Help:      "The total number of change events whose old and new ids differ.",
		}, []string{"model"}),
	}
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.retriesScheduled.Inc()
}

// SetReady records whether the connection is ready.
func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) WatcherOpened() {
	if m == nil {
		return
	}
	m.watchersOpened.Inc()
	m.watchersActive.Inc()
}

func (m *Metrics) WatcherClosed() {
	if m == nil {
		return
	}
	m.watchersActive.Dec()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) EventDispatched(model, kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(model, kind).Inc()
}

func (m *Metrics) EchoConfirmed(model string) {
	if m == nil {
		return
	}
	m.echoesConfirmed.WithLabelValues(model).Inc()
}

func (m *Metrics) DeliveryFailed(model string) {
	if m == nil {
		return
	}
	m.deliveryFailed.WithLabelValues(model).Inc()
}

func (m *Metrics) IdentityAnomaly(model string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(model).Inc()
}
