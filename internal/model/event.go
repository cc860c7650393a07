package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType 推送事件类型
type EventType string

const (
	EventFullSync         EventType = "full-sync"
	EventSensorUpdate     EventType = "sensor-update"
	EventOEEUpdate        EventType = "oee-update"
	EventAlert            EventType = "alert"
	EventConnectionStatus EventType = "connection-status"
	EventHeartbeat        EventType = "heartbeat"
)

// ErrUnknownEventType 未知事件类型
var ErrUnknownEventType = errors.New("unknown event type")

// StreamEvent 推送事件信封
//
// Data 的具体类型由 Type 决定：
//
//	full-sync         FullSync
//	sensor-update     SensorUpdate
//	oee-update        OEEUpdate
//	alert             Alert
//	connection-status ConnectionStatus
//	heartbeat         nil
type StreamEvent struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// FullSync 全量同步数据
type FullSync struct {
	Equipment []Equipment `json:"equipment"`
	Alerts    []Alert     `json:"alerts"`
	Summary   Summary     `json:"summary"`
}

// SensorUpdate 传感器更新
type SensorUpdate struct {
	EquipmentID string          `json:"equipmentId"`
	Sensors     []SensorReading `json:"sensors"`
}

// OEEUpdate OEE 更新
type OEEUpdate struct {
	EquipmentID string     `json:"equipmentId"`
	OEE         OEEMetrics `json:"oee"`
}

// NewFullSyncEvent 创建全量同步事件
func NewFullSyncEvent(snapshot FullSync, now time.Time) StreamEvent {
	return StreamEvent{Type: EventFullSync, Timestamp: now.UTC(), Data: snapshot}
}

// NewSensorUpdateEvent 创建传感器更新事件
func NewSensorUpdateEvent(equipmentID string, sensors []SensorReading, now time.Time) StreamEvent {
	return StreamEvent{
		Type:      EventSensorUpdate,
		Timestamp: now.UTC(),
		Data:      SensorUpdate{EquipmentID: equipmentID, Sensors: sensors},
	}
}

// NewOEEUpdateEvent 创建 OEE 更新事件
func NewOEEUpdateEvent(equipmentID string, metrics OEEMetrics, now time.Time) StreamEvent {
	return StreamEvent{
		Type:      EventOEEUpdate,
		Timestamp: now.UTC(),
		Data:      OEEUpdate{EquipmentID: equipmentID, OEE: metrics},
	}
}

// NewAlertEvent 创建告警事件
func NewAlertEvent(alert Alert, now time.Time) StreamEvent {
	return StreamEvent{Type: EventAlert, Timestamp: now.UTC(), Data: alert}
}

// NewConnectionStatusEvent 创建连接状态事件
func NewConnectionStatusEvent(status ConnectionStatus, now time.Time) StreamEvent {
	return StreamEvent{Type: EventConnectionStatus, Timestamp: now.UTC(), Data: status}
}

// NewHeartbeatEvent 创建心跳事件
func NewHeartbeatEvent(now time.Time) StreamEvent {
	return StreamEvent{Type: EventHeartbeat, Timestamp: now.UTC()}
}

// ToJSON 转换为 JSON
func (e StreamEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent 从 JSON 解析事件，Data 还原为对应的具体类型
func DecodeEvent(raw []byte) (StreamEvent, error) {
	var envelope struct {
		Type      EventType       `json:"type"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return StreamEvent{}, err
	}

	event := StreamEvent{Type: envelope.Type, Timestamp: envelope.Timestamp}

	var err error
	switch envelope.Type {
	case EventFullSync:
		var data FullSync
		err = json.Unmarshal(envelope.Data, &data)
		event.Data = data
	case EventSensorUpdate:
		var data SensorUpdate
		err = json.Unmarshal(envelope.Data, &data)
		event.Data = data
	case EventOEEUpdate:
		var data OEEUpdate
		err = json.Unmarshal(envelope.Data, &data)
		event.Data = data
	case EventAlert:
		var data Alert
		err = json.Unmarshal(envelope.Data, &data)
		event.Data = data
	case EventConnectionStatus:
		var data ConnectionStatus
		err = json.Unmarshal(envelope.Data, &data)
		event.Data = data
	case EventHeartbeat:
		// 心跳没有负载
	default:
		return StreamEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, envelope.Type)
	}
	if err != nil {
		return StreamEvent{}, fmt.Errorf("decode %s payload: %w", envelope.Type, err)
	}

	return event, nil
}
