package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/model"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func reading(sensor string, value float64, ts time.Time) model.SensorReading {
	return model.SensorReading{SensorType: sensor, Value: value, Unit: "°C", Timestamp: ts}
}

func newTestAggregator(retain int) *Aggregator {
	return New(config.AggregateConfig{Window: time.Minute, Retain: retain}, nil)
}

func TestWindowStatistics(t *testing.T) {
	a := newTestAggregator(5)
	for i, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		a.Add("EQ-001", reading("temperature", v, t0.Add(time.Duration(i)*time.Second)))
	}

	results := a.Query("EQ-001")
	if len(results) != 1 {
		t.Fatalf("Expected one open window, got %d", len(results))
	}
	r := results[0]
	if r.Complete {
		t.Error("Expected open window to be incomplete")
	}
	if r.Count != 8 || r.Avg != 5 || r.Min != 2 || r.Max != 9 {
		t.Errorf("Unexpected stats %+v", r)
	}
	if r.First != 2 || r.Last != 9 {
		t.Errorf("Expected first 2 last 9, got %v %v", r.First, r.Last)
	}
	// 样本标准差
	if math.Abs(r.StdDev-2.138) > 0.001 {
		t.Errorf("Expected stddev ~2.138, got %v", r.StdDev)
	}
	if r.P50 != 5 || r.P99 != 9 {
		t.Errorf("Unexpected percentiles p50=%v p99=%v", r.P50, r.P99)
	}
	if !r.WindowStart.Equal(t0) || !r.WindowEnd.Equal(t0.Add(time.Minute)) {
		t.Errorf("Unexpected window bounds %v - %v", r.WindowStart, r.WindowEnd)
	}
}

func TestWindowRollover(t *testing.T) {
	a := newTestAggregator(2)
	for i := 0; i < 4; i++ {
		a.Add("EQ-001", reading("vibration", float64(i), t0.Add(time.Duration(i)*time.Minute)))
	}

	results := a.Query("EQ-001")
	// 保留 2 个历史窗口 + 1 个打开窗口
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[0].Avg != 1 || results[1].Avg != 2 || results[2].Avg != 3 {
		t.Errorf("Expected oldest history evicted, got %v %v %v", results[0].Avg, results[1].Avg, results[2].Avg)
	}
	if !results[0].Complete || !results[1].Complete || results[2].Complete {
		t.Error("Expected only the latest window open")
	}
}

func TestLateReadingsDropped(t *testing.T) {
	a := newTestAggregator(5)
	a.Add("EQ-001", reading("temperature", 70, t0.Add(2*time.Minute)))
	a.Add("EQ-001", reading("temperature", 10, t0))

	if a.Late() != 1 {
		t.Errorf("Expected one late reading, got %d", a.Late())
	}
	if r := a.Query("EQ-001"); len(r) != 1 || r[0].Count != 1 {
		t.Errorf("Expected late reading excluded, got %+v", r)
	}
}

func TestSweepClosesExpiredWindows(t *testing.T) {
	a := newTestAggregator(5)
	a.Add("EQ-001", reading("temperature", 70, t0))
	a.Add("EQ-002", reading("temperature", 71, t0.Add(time.Minute)))

	if n := a.Sweep(t0.Add(time.Minute)); n != 1 {
		t.Fatalf("Expected one window closed, got %d", n)
	}
	if r := a.Query("EQ-001"); len(r) != 1 || !r[0].Complete {
		t.Errorf("Expected EQ-001 window complete, got %+v", r)
	}
	if r := a.Query("EQ-002"); len(r) != 1 || r[0].Complete {
		t.Errorf("Expected EQ-002 window still open, got %+v", r)
	}
}

func TestQueryOrdersBySensor(t *testing.T) {
	a := newTestAggregator(5)
	a.Add("EQ-001", reading("vibration", 1, t0))
	a.Add("EQ-001", reading("pressure", 1, t0))
	a.Add("EQ-002", reading("temperature", 1, t0))

	r := a.Query("EQ-001")
	if len(r) != 2 || r[0].SensorType != "pressure" || r[1].SensorType != "vibration" {
		t.Errorf("Unexpected ordering %+v", r)
	}
	if r := a.Query("EQ-404"); r == nil || len(r) != 0 {
		t.Errorf("Expected empty non-nil result, got %v", r)
	}
}
