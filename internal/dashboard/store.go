// Package dashboard 提供订阅端状态归约器
//
// 同一个 Store 也作为服务端的设备状态存储，按设备 ID 索引，单写者由互斥锁保证。
package dashboard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xilian/equipment-stream/internal/model"
	"github.com/xilian/equipment-stream/internal/oee"
)

// DefaultAlertCapacity 告警环形缓冲默认容量
const DefaultAlertCapacity = 100

var (
	// ErrUnknownEquipment 事件引用了不存在的设备
	ErrUnknownEquipment = errors.New("unknown equipment")
	// ErrPayloadType 事件负载类型与事件类型不符
	ErrPayloadType = errors.New("unexpected payload type")
)

// statusRank 设备状态严重程度，传感器更新只会升级
var statusRank = map[model.EquipmentStatus]int{
	model.EquipmentOperational: 0,
	model.EquipmentOffline:     0,
	model.EquipmentMaintenance: 1,
	model.EquipmentError:       2,
}

// Store 设备与告警状态
type Store struct {
	mu       sync.RWMutex
	capacity int

	equipment []model.Equipment
	index     map[string]int

	// 最新的在前
	alerts       []model.Alert
	activeAlerts int
	averageOEE   float64

	connection    model.ConnectionStatus
	hasConnection bool
	lastSeen      time.Time
}

// NewStore 创建存储，capacity <= 0 时使用默认容量
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultAlertCapacity
	}
	return &Store{
		capacity: capacity,
		index:    make(map[string]int),
	}
}

// Seed 以初始设备列表填充
func (s *Store) Seed(fleet []model.Equipment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceEquipment(fleet)
	s.averageOEE = s.fleetAverage()
}

// Apply 将事件归约到状态
func (s *Store) Apply(event model.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeen = event.Timestamp

	switch event.Type {
	case model.EventFullSync:
		data, ok := event.Data.(model.FullSync)
		if !ok {
			return payloadError(event)
		}
		s.replaceEquipment(data.Equipment)
		s.alerts = s.alerts[:0]
		for _, a := range data.Alerts {
			if len(s.alerts) == s.capacity {
				break
			}
			s.alerts = append(s.alerts, a)
		}
		s.activeAlerts = data.Summary.ActiveAlerts
		s.averageOEE = data.Summary.AverageOEE

	case model.EventSensorUpdate:
		data, ok := event.Data.(model.SensorUpdate)
		if !ok {
			return payloadError(event)
		}
		i, ok := s.index[data.EquipmentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEquipment, data.EquipmentID)
		}
		s.setSensors(i, data.Sensors, event.Timestamp)

	case model.EventOEEUpdate:
		data, ok := event.Data.(model.OEEUpdate)
		if !ok {
			return payloadError(event)
		}
		i, ok := s.index[data.EquipmentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEquipment, data.EquipmentID)
		}
		s.equipment[i].OEE = data.OEE
		s.averageOEE = s.fleetAverage()

	case model.EventAlert:
		data, ok := event.Data.(model.Alert)
		if !ok {
			return payloadError(event)
		}
		s.pushAlert(data)

	case model.EventConnectionStatus:
		data, ok := event.Data.(model.ConnectionStatus)
		if !ok {
			return payloadError(event)
		}
		s.connection = data
		s.hasConnection = true

	case model.EventHeartbeat:

	default:
		return fmt.Errorf("%w: %q", model.ErrUnknownEventType, event.Type)
	}
	return nil
}

// MergeReading 用单条读数替换同类型传感器，返回生成的 sensor-update 事件及前后状态
func (s *Store) MergeReading(equipmentID string, reading model.SensorReading) (event model.StreamEvent, before, after model.EquipmentStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[equipmentID]
	if !ok {
		return model.StreamEvent{}, "", "", fmt.Errorf("%w: %s", ErrUnknownEquipment, equipmentID)
	}

	current := s.equipment[i].Sensors
	sensors := make([]model.SensorReading, 0, len(current)+1)
	replaced := false
	for _, r := range current {
		if r.SensorType == reading.SensorType {
			r = reading
			replaced = true
		}
		sensors = append(sensors, r)
	}
	if !replaced {
		sensors = append(sensors, reading)
	}

	before = s.equipment[i].Status
	s.setSensors(i, sensors, reading.Timestamp)
	after = s.equipment[i].Status

	out := make([]model.SensorReading, len(sensors))
	copy(out, sensors)
	return model.NewSensorUpdateEvent(equipmentID, out, reading.Timestamp), before, after, nil
}

// Acknowledge 确认告警；不存在或已确认时返回 false
func (s *Store) Acknowledge(alertID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID != alertID {
			continue
		}
		if s.alerts[i].Acknowledged {
			return false
		}
		s.alerts[i].Acknowledged = true
		if s.activeAlerts > 0 {
			s.activeAlerts--
		}
		return true
	}
	return false
}

// Alert 按 ID 查找告警
func (s *Store) Alert(id string) (model.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.ID == id {
			return a, true
		}
	}
	return model.Alert{}, false
}

// RecordAlert 写入一条告警，重复 ID 忽略
func (s *Store) RecordAlert(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushAlert(alert)
}

// Snapshot 全量快照，与内部状态不共享内存
func (s *Store) Snapshot() model.FullSync {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.FullSync{
		Equipment: s.copyEquipment(),
		Alerts:    s.copyAlerts(),
		Summary:   s.summary(),
	}
}

// Equipment 全部设备
func (s *Store) Equipment() []model.Equipment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyEquipment()
}

// Get 单台设备
func (s *Store) Get(id string) (model.Equipment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return model.Equipment{}, false
	}
	return s.equipment[i].Clone(), true
}

// At 按序号取设备，序号对设备数取模
func (s *Store) At(n int) (model.Equipment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.equipment) == 0 {
		return model.Equipment{}, false
	}
	if n < 0 {
		n = -n
	}
	return s.equipment[n%len(s.equipment)].Clone(), true
}

// Len 设备数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.equipment)
}

// Alerts 告警列表，最新的在前
func (s *Store) Alerts() []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyAlerts()
}

// Summary 总览
func (s *Store) Summary() model.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary()
}

// ConnectionStatus 最近一次连接状态
func (s *Store) ConnectionStatus() (model.ConnectionStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connection, s.hasConnection
}

// LastSeen 最近一次收到事件的时间
func (s *Store) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

func (s *Store) replaceEquipment(fleet []model.Equipment) {
	s.equipment = make([]model.Equipment, 0, len(fleet))
	s.index = make(map[string]int, len(fleet))
	for _, e := range fleet {
		s.index[e.ID] = len(s.equipment)
		s.equipment = append(s.equipment, e.Clone())
	}
}

// setSensors 整体替换传感器并按最严重状态升级设备状态
func (s *Store) setSensors(i int, sensors []model.SensorReading, ts time.Time) {
	e := &s.equipment[i]
	e.Sensors = make([]model.SensorReading, len(sensors))
	copy(e.Sensors, sensors)
	if !ts.IsZero() {
		e.LastChecked = ts
	}

	target := e.Status
	for _, r := range sensors {
		switch r.Status {
		case model.SensorCritical:
			target = model.EquipmentError
		case model.SensorWarning:
			if target != model.EquipmentError {
				target = model.EquipmentMaintenance
			}
		}
	}
	if statusRank[target] > statusRank[e.Status] {
		e.Status = target
	}
}

// pushAlert 头插，超出容量淘汰最旧
func (s *Store) pushAlert(alert model.Alert) {
	for _, a := range s.alerts {
		if a.ID == alert.ID {
			return
		}
	}

	s.alerts = append(s.alerts, model.Alert{})
	copy(s.alerts[1:], s.alerts)
	s.alerts[0] = alert
	if !alert.Acknowledged {
		s.activeAlerts++
	}

	if len(s.alerts) > s.capacity {
		evicted := s.alerts[len(s.alerts)-1]
		s.alerts = s.alerts[:s.capacity]
		if !evicted.Acknowledged && s.activeAlerts > 0 {
			s.activeAlerts--
		}
	}
}

func (s *Store) fleetAverage() float64 {
	metrics := make([]model.OEEMetrics, 0, len(s.equipment))
	for _, e := range s.equipment {
		metrics = append(metrics, e.OEE)
	}
	return oee.Average(metrics)
}

func (s *Store) summary() model.Summary {
	sum := model.Summary{
		TotalEquipment: len(s.equipment),
		AverageOEE:     s.averageOEE,
		ActiveAlerts:   s.activeAlerts,
	}
	for _, e := range s.equipment {
		switch e.Status {
		case model.EquipmentOperational:
			sum.Operational++
		case model.EquipmentMaintenance:
			sum.Maintenance++
		case model.EquipmentOffline:
			sum.Offline++
		case model.EquipmentError:
			sum.Error++
		}
	}
	return sum
}

func (s *Store) copyEquipment() []model.Equipment {
	out := make([]model.Equipment, 0, len(s.equipment))
	for _, e := range s.equipment {
		out = append(out, e.Clone())
	}
	return out
}

func (s *Store) copyAlerts() []model.Alert {
	out := make([]model.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

func payloadError(event model.StreamEvent) error {
	return fmt.Errorf("%w: %s carries %T", ErrPayloadType, event.Type, event.Data)
}
