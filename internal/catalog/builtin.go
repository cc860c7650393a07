package catalog

import "github.com/xilian/equipment-stream/internal/model"

var (
	temperature = SensorSpec{SensorType: "temperature", Unit: "°C", NormalRange: model.Range{60, 80}, Nominal: 70}
	vibration   = SensorSpec{SensorType: "vibration", Unit: "mm/s", NormalRange: model.Range{0, 5}, Nominal: 2.5}
	pressure    = SensorSpec{SensorType: "pressure", Unit: "bar", NormalRange: model.Range{4, 6}, Nominal: 5}
	speed       = SensorSpec{SensorType: "speed", Unit: "rpm", NormalRange: model.Range{1000, 3000}, Nominal: 2000}
	power       = SensorSpec{SensorType: "power", Unit: "kW", NormalRange: model.Range{10, 50}, Nominal: 30}
)

// Builtin 内置演示产线
func Builtin() *Catalog {
	c, err := New([]Entry{
		{ID: "EQ-001", Name: "CNC Machine #1", Status: model.EquipmentOperational, Sensors: []SensorSpec{temperature, vibration, speed}},
		{ID: "EQ-002", Name: "Hydraulic Press #1", Status: model.EquipmentOperational, Sensors: []SensorSpec{temperature, pressure, power}},
		{ID: "EQ-003", Name: "Conveyor Line A", Status: model.EquipmentOperational, Sensors: []SensorSpec{speed, vibration}},
		{ID: "EQ-004", Name: "Injection Molder #2", Status: model.EquipmentMaintenance, Sensors: []SensorSpec{temperature, pressure}},
		{ID: "EQ-005", Name: "Robot Arm R-7", Status: model.EquipmentOperational, Sensors: []SensorSpec{vibration, power}},
		{ID: "EQ-006", Name: "Air Compressor C-1", Status: model.EquipmentError, Sensors: []SensorSpec{temperature, pressure, vibration}},
		{ID: "EQ-007", Name: "Packaging Unit P-3", Status: model.EquipmentOffline, Sensors: []SensorSpec{speed, power}},
	})
	if err != nil {
		panic(err)
	}
	return c
}
