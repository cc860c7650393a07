package service

import (
	"math"
	"testing"
	"time"

	"github.com/xilian/equipment-stream/internal/model"
)

func TestClassify(t *testing.T) {
	r := model.Range{60, 80} // span 20, critical beyond 4

	tests := []struct {
		name  string
		value float64
		want  model.SensorStatus
	}{
		{"inside", 70, model.SensorNormal},
		{"at min", 60, model.SensorNormal},
		{"at max", 80, model.SensorNormal},
		{"just above", 80.1, model.SensorWarning},
		{"just below", 59.9, model.SensorWarning},
		{"at threshold above", 84, model.SensorWarning},
		{"at threshold below", 56, model.SensorWarning},
		{"past threshold above", 84.01, model.SensorCritical},
		{"past threshold below", 55.99, model.SensorCritical},
		{"far above", 200, model.SensorCritical},
		{"nan", math.NaN(), model.SensorCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.value, r); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}

func TestClassifyDegenerateRange(t *testing.T) {
	r := model.Range{5, 5}
	if got := Classify(5, r); got != model.SensorNormal {
		t.Errorf("Expected normal at the point, got %s", got)
	}
	if got := Classify(5.0001, r); got != model.SensorCritical {
		t.Errorf("Expected critical for any excursion, got %s", got)
	}
}

func TestClassifyProperty(t *testing.T) {
	ranges := []model.Range{{0, 5}, {60, 80}, {-10, 10}, {1000, 3000}}
	for _, r := range ranges {
		span := r.Span()
		for step := -100; step <= 100; step++ {
			v := r.Min() + span*float64(step)/40
			excursion := math.Max(r.Min()-v, v-r.Max())

			var want model.SensorStatus
			switch {
			case excursion > CriticalFraction*span:
				want = model.SensorCritical
			case excursion > 0:
				want = model.SensorWarning
			default:
				want = model.SensorNormal
			}
			if got := Classify(v, r); got != want {
				t.Errorf("Classify(%v, %v) = %s, want %s", v, r, got, want)
			}
		}
	}
}

func TestNewReadingDerivesStatus(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.FixedZone("CST", 8*3600))
	reading := NewReading("pressure", 7, "bar", model.Range{4, 6}, ts)

	if reading.Status != model.SensorCritical {
		t.Errorf("Expected critical, got %s", reading.Status)
	}
	if reading.Timestamp.Location() != time.UTC {
		t.Error("Expected UTC timestamp")
	}
}

func TestWorst(t *testing.T) {
	readings := []model.SensorReading{
		{Status: model.SensorNormal},
		{Status: model.SensorWarning},
	}
	if got := Worst(readings); got != model.SensorWarning {
		t.Errorf("Expected warning, got %s", got)
	}
	readings = append(readings, model.SensorReading{Status: model.SensorCritical})
	if got := Worst(readings); got != model.SensorCritical {
		t.Errorf("Expected critical, got %s", got)
	}
	if got := Worst(nil); got != model.SensorNormal {
		t.Errorf("Expected normal for empty, got %s", got)
	}
}
