package stream

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/xilian/equipment-stream/internal/dashboard"
	"github.com/xilian/equipment-stream/internal/model"
	"github.com/xilian/equipment-stream/internal/service"
)

func temperature(value float64) model.SensorReading {
	return service.NewReading("temperature", value, "°C", model.Range{60, 80}, t0)
}

func fleet(status model.EquipmentStatus) model.FullSync {
	return model.FullSync{Equipment: []model.Equipment{{
		ID:      "EQ-1",
		Name:    "Mill",
		Status:  status,
		Sensors: []model.SensorReading{temperature(70)},
		OEE:     model.OEEMetrics{Overall: 80},
	}}}
}

func TestSimulatedOperationalNeverAlerts(t *testing.T) {
	snapshot := fleet(model.EquipmentOperational)
	g := NewSimulatedGenerator(snapshot, rand.New(rand.NewSource(1)), 1, 1)

	for i := 0; i < 50; i++ {
		events := g.Tick(t0.Add(time.Duration(i) * time.Second))
		if len(events) != 2 {
			t.Fatalf("Expected sensor-update and oee-update, got %d events", len(events))
		}
		update := events[0].Data.(model.SensorUpdate)
		if events[0].Type != model.EventSensorUpdate || update.EquipmentID != "EQ-1" {
			t.Fatalf("Unexpected first event %+v", events[0])
		}
		v := update.Sensors[0].Value
		if v < 62 || v > 78 {
			t.Errorf("Expected operational value near mid range, got %v", v)
		}
		if events[1].Type != model.EventOEEUpdate {
			t.Errorf("Expected oee-update, got %s", events[1].Type)
		}
	}

	if snapshot.Equipment[0].Sensors[0].Value != 70 {
		t.Error("Expected generator to work on its own copy")
	}
}

func TestSimulatedAlertSeverityFollowsStatus(t *testing.T) {
	tests := []struct {
		status model.EquipmentStatus
		want   model.AlertSeverity
	}{
		{model.EquipmentError, model.SeverityCritical},
		{model.EquipmentMaintenance, model.SeverityWarning},
		{model.EquipmentOffline, model.SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			g := NewSimulatedGenerator(fleet(tt.status), rand.New(rand.NewSource(7)), 0, 1)
			events := g.Tick(t0)
			if len(events) != 2 || events[1].Type != model.EventAlert {
				t.Fatalf("Expected sensor-update then alert, got %+v", events)
			}
			alert := events[1].Data.(model.Alert)
			if alert.Severity != tt.want || alert.ID == "" || alert.EquipmentID != "EQ-1" {
				t.Errorf("Unexpected alert %+v", alert)
			}
		})
	}
}

func TestSimulatedFactoryRecordsAlertsBeforeEmitting(t *testing.T) {
	store := dashboard.NewStore(10)
	g := NewSimulatedFactory(0, 1, func() int64 { return 7 }, store.RecordAlert)(fleet(model.EquipmentError))

	events := g.Tick(t0)
	if len(events) != 2 || events[1].Type != model.EventAlert {
		t.Fatalf("Expected sensor-update then alert, got %+v", events)
	}
	alert := events[1].Data.(model.Alert)
	if _, ok := store.Alert(alert.ID); !ok {
		t.Fatalf("Expected alert %s recorded before emit", alert.ID)
	}
	if !store.Acknowledge(alert.ID) {
		t.Error("Expected recorded alert to be acknowledgeable")
	}
}

func TestSimulatedEmptyFleet(t *testing.T) {
	g := NewSimulatedGenerator(model.FullSync{}, rand.New(rand.NewSource(1)), 1, 1)
	if events := g.Tick(t0); events != nil {
		t.Errorf("Expected no events, got %+v", events)
	}
}

func newLiveFixture(t *testing.T) (*LiveFeed, *dashboard.Store, *Subscription) {
	t.Helper()
	store := dashboard.NewStore(10)
	store.Seed(fleet(model.EquipmentOperational).Equipment)

	b, _ := newTestBroadcaster(Options{Buffer: 16}, nil)
	b.source = NewSource(store, nil)
	sub, err := b.Subscribe(context.Background(), operator)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(sub.Close)
	next(t, sub)
	next(t, sub)

	feed := NewLiveFeed(store, b, rand.New(rand.NewSource(3)), nil, nil)
	feed.now = func() time.Time { return t0 }
	return feed, store, sub
}

func TestLiveEscalationRaisesAlert(t *testing.T) {
	feed, store, sub := newLiveFixture(t)

	feed.HandleReading("EQ-1", temperature(100))

	want := []model.EventType{model.EventSensorUpdate, model.EventAlert, model.EventOEEUpdate}
	for _, w := range want {
		if ev := next(t, sub); ev.Type != w {
			t.Fatalf("Expected %s, got %s", w, ev.Type)
		}
	}

	e, _ := store.Get("EQ-1")
	if e.Status != model.EquipmentError {
		t.Errorf("Expected error status, got %s", e.Status)
	}
	alerts := store.Alerts()
	if len(alerts) != 1 || alerts[0].Severity != model.SeverityCritical {
		t.Errorf("Expected one critical alert stored, got %+v", alerts)
	}
	if store.Summary().ActiveAlerts != 1 {
		t.Errorf("Expected 1 active alert, got %d", store.Summary().ActiveAlerts)
	}

	// 已处于 error，不再重复告警
	feed.HandleReading("EQ-1", temperature(70))
	if ev := next(t, sub); ev.Type != model.EventSensorUpdate {
		t.Errorf("Expected sensor-update only, got %s", ev.Type)
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("Expected no further events, got %s", ev.Type)
	default:
	}
}

func TestLiveUnknownEquipmentDropped(t *testing.T) {
	feed, _, sub := newLiveFixture(t)
	feed.HandleReading("EQ-404", temperature(70))
	select {
	case ev := <-sub.Events():
		t.Errorf("Expected nothing published, got %s", ev.Type)
	default:
	}
}

func TestLiveStatusBroadcast(t *testing.T) {
	feed, store, sub := newLiveFixture(t)
	feed.HandleStatus(model.ConnectionStatus{Degraded: true})

	if ev := next(t, sub); ev.Type != model.EventConnectionStatus {
		t.Errorf("Expected connection-status, got %s", ev.Type)
	}
	if status, ok := store.ConnectionStatus(); !ok || !status.Degraded {
		t.Errorf("Expected status recorded, got %+v", status)
	}
}

func TestRoundRobinCyclesFleet(t *testing.T) {
	store := dashboard.NewStore(10)
	store.Seed([]model.Equipment{{ID: "EQ-1"}, {ID: "EQ-2"}})
	g := NewRoundRobinFactory(store)(model.FullSync{})

	var ids []string
	for i := 0; i < 3; i++ {
		events := g.Tick(t0)
		ids = append(ids, events[0].Data.(model.OEEUpdate).EquipmentID)
	}
	if ids[0] != "EQ-1" || ids[1] != "EQ-2" || ids[2] != "EQ-1" {
		t.Errorf("Unexpected order %v", ids)
	}

	empty := NewRoundRobinFactory(dashboard.NewStore(1))(model.FullSync{})
	if events := empty.Tick(t0); events != nil {
		t.Errorf("Expected no events for empty store, got %+v", events)
	}
}
