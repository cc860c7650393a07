package service

import (
	"time"

	"github.com/xilian/equipment-stream/internal/catalog"
	"github.com/xilian/equipment-stream/internal/model"
	"github.com/xilian/equipment-stream/internal/oee"
)

// NewFleet 由目录生成初始设备列表，传感器取标称值，OEE 按状态模拟
func NewFleet(cat *catalog.Catalog, sim *oee.Simulator, now time.Time) []model.Equipment {
	fleet := make([]model.Equipment, 0, cat.Len())
	for _, entry := range cat.Equipment {
		sensors := make([]model.SensorReading, 0, len(entry.Sensors))
		for _, spec := range entry.Sensors {
			sensors = append(sensors, NewReading(spec.SensorType, spec.Baseline(), spec.Unit, spec.NormalRange, now))
		}
		fleet = append(fleet, model.Equipment{
			ID:          entry.ID,
			Name:        entry.Name,
			Status:      entry.Status,
			Sensors:     sensors,
			OEE:         sim.Generate(entry.Status),
			LastChecked: now.UTC(),
		})
	}
	return fleet
}
