package stream

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/xilian/equipment-stream/internal/model"
	"github.com/xilian/equipment-stream/internal/oee"
	"github.com/xilian/equipment-stream/internal/service"
)

// noiseScale 各状态下读数围绕中值的波动幅度，单位为半个范围跨度
var noiseScale = map[model.EquipmentStatus]float64{
	model.EquipmentOperational: 0.8,
	model.EquipmentMaintenance: 1.2,
	model.EquipmentError:       1.6,
	model.EquipmentOffline:     0,
}

// alertTemplates 非正常设备的告警级别和文案
var alertTemplates = map[model.EquipmentStatus]struct {
	severity model.AlertSeverity
	message  string
}{
	model.EquipmentError:       {model.SeverityCritical, "%s reported a fault"},
	model.EquipmentMaintenance: {model.SeverityWarning, "%s requires maintenance"},
	model.EquipmentOffline:     {model.SeverityInfo, "%s is offline"},
}

// AlertRecorder 告警推送前的登记回调，模拟告警写入共享告警列表后才能被确认
type AlertRecorder func(model.Alert)

// SimulatedGenerator 模拟数据生成器
//
// 持有订阅时快照的副本，读数和 OEE 不写回共享状态；告警经 AlertRecorder 登记。
type SimulatedGenerator struct {
	record           AlertRecorder
	rng              *rand.Rand
	sim              *oee.Simulator
	equipment        []model.Equipment
	oeeProbability   float64
	alertProbability float64
}

// NewSimulatedFactory 模拟模式的生成器工厂，seed 为每个订阅者提供随机种子
func NewSimulatedFactory(oeeProbability, alertProbability float64, seed func() int64, record AlertRecorder) GeneratorFactory {
	if seed == nil {
		seed = func() int64 { return time.Now().UnixNano() }
	}
	return func(snapshot model.FullSync) Generator {
		g := NewSimulatedGenerator(snapshot, rand.New(rand.NewSource(seed())), oeeProbability, alertProbability)
		g.RecordAlerts(record)
		return g
	}
}

// NewSimulatedGenerator 创建模拟数据生成器
func NewSimulatedGenerator(snapshot model.FullSync, rng *rand.Rand, oeeProbability, alertProbability float64) *SimulatedGenerator {
	equipment := make([]model.Equipment, 0, len(snapshot.Equipment))
	for _, e := range snapshot.Equipment {
		equipment = append(equipment, e.Clone())
	}
	return &SimulatedGenerator{
		rng:              rng,
		sim:              oee.NewSimulator(rng),
		equipment:        equipment,
		oeeProbability:   oeeProbability,
		alertProbability: alertProbability,
	}
}

// RecordAlerts 设置告警登记回调，nil 表示不登记
func (g *SimulatedGenerator) RecordAlerts(record AlertRecorder) {
	g.record = record
}

// Tick 随机挑选一台设备生成 sensor-update，按概率附带 oee-update 和 alert
func (g *SimulatedGenerator) Tick(now time.Time) []model.StreamEvent {
	if len(g.equipment) == 0 {
		return nil
	}
	e := &g.equipment[g.rng.Intn(len(g.equipment))]

	sensors := make([]model.SensorReading, 0, len(e.Sensors))
	for _, r := range e.Sensors {
		sensors = append(sensors, g.jitter(r, e.Status, now))
	}
	e.Sensors = sensors
	e.LastChecked = now.UTC()

	out := make([]model.SensorReading, len(sensors))
	copy(out, sensors)
	events := []model.StreamEvent{model.NewSensorUpdateEvent(e.ID, out, now)}

	if g.rng.Float64() < g.oeeProbability {
		e.OEE = g.sim.Generate(e.Status)
		events = append(events, model.NewOEEUpdateEvent(e.ID, e.OEE, now))
	}

	if e.Status != model.EquipmentOperational && g.rng.Float64() < g.alertProbability {
		if alert, ok := newStatusAlert(*e, now); ok {
			if g.record != nil {
				g.record(alert)
			}
			events = append(events, model.NewAlertEvent(alert, now))
		}
	}
	return events
}

func (g *SimulatedGenerator) jitter(r model.SensorReading, status model.EquipmentStatus, now time.Time) model.SensorReading {
	mid := (r.NormalRange.Min() + r.NormalRange.Max()) / 2
	amplitude := r.NormalRange.Span() / 2 * noiseScale[status]
	value := mid + (g.rng.Float64()*2-1)*amplitude
	value = math.Round(value*10) / 10
	return service.NewReading(r.SensorType, value, r.Unit, r.NormalRange, now)
}

// newStatusAlert 按设备状态生成告警，正常设备不产生告警
func newStatusAlert(e model.Equipment, now time.Time) (model.Alert, bool) {
	tpl, ok := alertTemplates[e.Status]
	if !ok {
		return model.Alert{}, false
	}
	name := e.Name
	if name == "" {
		name = e.ID
	}
	return model.Alert{
		ID:          uuid.New().String(),
		EquipmentID: e.ID,
		Severity:    tpl.severity,
		Message:     fmt.Sprintf(tpl.message, name),
		Timestamp:   now.UTC(),
	}, true
}
