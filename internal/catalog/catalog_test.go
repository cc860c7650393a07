package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/xilian/equipment-stream/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestBuiltin(t *testing.T) {
	c := Builtin()
	if c.Len() == 0 {
		t.Fatal("Expected builtin equipment")
	}

	spec, ok := c.Sensor("EQ-001", "temperature")
	if !ok {
		t.Fatal("Expected EQ-001 temperature sensor")
	}
	if spec.Unit != "°C" || spec.NormalRange != (model.Range{60, 80}) {
		t.Errorf("Unexpected spec: %+v", spec)
	}
	if _, ok := c.Lookup("EQ-404"); ok {
		t.Error("Expected unknown id to miss")
	}
}

func TestBaselineDefaultsToMidpoint(t *testing.T) {
	s := SensorSpec{NormalRange: model.Range{10, 30}}
	if s.Baseline() != 20 {
		t.Errorf("Expected midpoint 20, got %v", s.Baseline())
	}
	s.Nominal = 12
	if s.Baseline() != 12 {
		t.Errorf("Expected nominal 12, got %v", s.Baseline())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "equipment.yaml", `
equipment:
  - id: M-1
    name: Mill
    status: maintenance
    sensors:
      - sensorType: temperature
        unit: °C
        normalRange: [60, 80]
  - id: M-2
    sensors:
      - sensorType: vibration
        normalRange: [0, 5]
`)

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Expected 2 entries, got %d", c.Len())
	}

	m2, _ := c.Lookup("M-2")
	if m2.Status != model.EquipmentOperational || m2.Name != "M-2" {
		t.Errorf("Expected defaults for M-2, got %+v", m2)
	}
	spec, _ := c.Sensor("M-1", "temperature")
	if spec.NormalRange != (model.Range{60, 80}) {
		t.Errorf("Expected range [60,80], got %v", spec.NormalRange)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", "equipment: []\n"},
		{"duplicate", "equipment:\n  - id: A\n  - id: A\n"},
		{"bad status", "equipment:\n  - id: A\n    status: exploded\n"},
		{"inverted range", "equipment:\n  - id: A\n    sensors:\n      - sensorType: t\n        normalRange: [9, 1]\n"},
		{"short range", "equipment:\n  - id: A\n    sensors:\n      - sensorType: t\n        normalRange: [1]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFile(writeFile(t, "c.yaml", tt.content)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

type fakeHash map[string]string

func (f fakeHash) HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd {
	if key != "equipment:catalog" {
		return redis.NewStringStringMapResult(nil, redis.Nil)
	}
	return redis.NewStringStringMapResult(f, nil)
}

func TestLoadRedis(t *testing.T) {
	rdb := fakeHash{
		"EQ-B": `{"name":"Press","status":"error","sensors":[{"sensorType":"pressure","unit":"bar","normalRange":[4,6]}]}`,
		"EQ-A": `{"name":"Mill","sensors":[]}`,
	}

	c, err := LoadRedis(context.Background(), rdb, "equipment:catalog")
	if err != nil {
		t.Fatalf("LoadRedis failed: %v", err)
	}
	if c.Equipment[0].ID != "EQ-A" || c.Equipment[1].ID != "EQ-B" {
		t.Errorf("Expected entries sorted by id, got %s, %s", c.Equipment[0].ID, c.Equipment[1].ID)
	}
	if spec, ok := c.Sensor("EQ-B", "pressure"); !ok || spec.NormalRange != (model.Range{4, 6}) {
		t.Errorf("Unexpected pressure spec: %+v", spec)
	}

	if _, err := LoadRedis(context.Background(), rdb, "missing"); !errors.Is(err, redis.Nil) {
		t.Errorf("Expected redis.Nil, got %v", err)
	}
}

func TestLoadNodeMap(t *testing.T) {
	c := Builtin()
	path := writeFile(t, "nodes.yaml", `
nodes:
  - nodeId: ns=2;s=EQ-001.Temperature
    equipmentId: EQ-001
    sensorType: temperature
`)
	nodes, err := LoadNodeMap(path, c)
	if err != nil {
		t.Fatalf("LoadNodeMap failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].EquipmentID != "EQ-001" {
		t.Errorf("Unexpected nodes: %+v", nodes)
	}

	bad := writeFile(t, "bad.yaml", `
nodes:
  - nodeId: ns=2;s=X
    equipmentId: EQ-001
    sensorType: humidity
`)
	if _, err := LoadNodeMap(bad, c); !errors.Is(err, ErrInvalidCatalog) {
		t.Errorf("Expected ErrInvalidCatalog, got %v", err)
	}
}
