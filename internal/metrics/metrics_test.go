package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xilian/equipment-stream/internal/model"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.SubscriberAdded()
	m.EventSent(model.EventHeartbeat)
	m.ProtocolState("mqtt", model.StateConnected)
	m.MalformedPayload(model.ProtocolMQTT)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved()
	if got := testutil.ToFloat64(m.subscribers); got != 1 {
		t.Errorf("Expected 1 subscriber, got %v", got)
	}

	m.EventSent(model.EventFullSync)
	m.EventSent(model.EventFullSync)
	if got := testutil.ToFloat64(m.eventsSent.WithLabelValues("full-sync")); got != 2 {
		t.Errorf("Expected 2 full-sync events, got %v", got)
	}

	m.ProtocolState("opcua", model.StateReconnecting)
	if got := testutil.ToFloat64(m.protocolState.WithLabelValues("opcua")); got != 3 {
		t.Errorf("Expected reconnecting gauge 3, got %v", got)
	}
}
