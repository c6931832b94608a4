package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectAttempt()
	m.ConnectAttempt()
	m.RetryScheduled()
	m.SetReady(true)
	m.WatcherOpened()
	m.WatcherOpened()
	m.WatcherClosed()
	m.SubscriberAdded()
	m.EventDispatched("todo", "add")
	m.EventDispatched("todo", "add")
	m.EventDispatched("todo", "remove")
	m.EchoConfirmed("todo")
	m.DeliveryFailed("todo")
	m.IdentityAnomaly("todo")

	if got := testutil.ToFloat64(m.connectAttempts); got != 2 {
		t.Errorf("connect attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.connected); got != 1 {
		t.Errorf("ready = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.watchersActive); got != 1 {
		t.Errorf("active watchers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.watchersOpened); got != 2 {
		t.Errorf("opened watchers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.eventsTotal.WithLabelValues("todo", "add")); got != 2 {
		t.Errorf("add events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.echoesConfirmed.WithLabelValues("todo")); got != 1 {
		t.Errorf("echoes = %v, want 1", got)
	}

	m.SetReady(false)
	if got := testutil.ToFloat64(m.connected); got != 0 {
		t.Errorf("ready after reset = %v, want 0", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	// must not panic
	m.ConnectAttempt()
	m.RetryScheduled()
	m.SetReady(true)
	m.WatcherOpened()
	m.WatcherClosed()
	m.SubscriberAdded()
	m.SubscriberRemoved()
	m.EventDispatched("todo", "add")
	m.EchoConfirmed("todo")
	m.DeliveryFailed("todo")
	m.IdentityAnomaly("todo")
}

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	// Vec collectors only appear once a label set exists.
	if len(mfs) < 5 {
		t.Errorf("gathered %d metric families, want at least 5", len(mfs))
	}
}

func TestServerMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewServer(reg)

	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	m.SubscriptionsChanged(3)
	m.SubscriptionsChanged(-1)
	m.Request("query", nil)
	m.Request("store", errors.New("rejected"))
	m.Mutation("todo")

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.subscriptions); got != 2 {
		t.Errorf("subscriptions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("store", "error")); got != 1 {
		t.Errorf("failed stores = %v, want 1", got)
	}

	var nilMetrics *ServerMetrics
	nilMetrics.Request("query", nil)
	nilMetrics.SubscriptionsChanged(1)
}
