// Package model 定义数据模型
package model

import (
	"fmt"
	"time"
)

// EquipmentStatus 设备状态
type EquipmentStatus string

const (
	EquipmentOperational EquipmentStatus = "operational"
	EquipmentMaintenance EquipmentStatus = "maintenance"
	EquipmentOffline     EquipmentStatus = "offline"
	EquipmentError       EquipmentStatus = "error"
)

// Valid 是否为已知状态
func (s EquipmentStatus) Valid() bool {
	switch s {
	case EquipmentOperational, EquipmentMaintenance, EquipmentOffline, EquipmentError:
		return true
	}
	return false
}

// SensorStatus 传感器状态
type SensorStatus string

const (
	SensorNormal   SensorStatus = "normal"
	SensorWarning  SensorStatus = "warning"
	SensorCritical SensorStatus = "critical"
)

// Range 正常范围 [min, max]
type Range [2]float64

// Min 下限
func (r Range) Min() float64 { return r[0] }

// Max 上限
func (r Range) Max() float64 { return r[1] }

// Span 跨度
func (r Range) Span() float64 { return r[1] - r[0] }

// UnmarshalYAML 从两元素序列解码
func (r *Range) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var bounds []float64
	if err := unmarshal(&bounds); err != nil {
		return err
	}
	if len(bounds) != 2 {
		return fmt.Errorf("range needs 2 bounds, got %d", len(bounds))
	}
	r[0], r[1] = bounds[0], bounds[1]
	return nil
}

// SensorReading 传感器读数
//
// Status 由 Value 和 NormalRange 推导，服务端只通过 service.NewReading 构造。
type SensorReading struct {
	SensorType  string       `json:"sensorType"`
	Value       float64      `json:"value"`
	Unit        string       `json:"unit"`
	NormalRange Range        `json:"normalRange"`
	Status      SensorStatus `json:"status"`
	Timestamp   time.Time    `json:"timestamp"`
}

// OEEMetrics 设备综合效率
type OEEMetrics struct {
	Availability float64 `json:"availability"`
	Performance  float64 `json:"performance"`
	Quality      float64 `json:"quality"`
	Overall      float64 `json:"overall"`
}

// Equipment 设备
type Equipment struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      EquipmentStatus `json:"status"`
	Sensors     []SensorReading `json:"sensors"`
	OEE         OEEMetrics      `json:"oee"`
	LastChecked time.Time       `json:"lastChecked"`
}

// Clone 深拷贝，传感器列表不与原对象共享
func (e Equipment) Clone() Equipment {
	if e.Sensors != nil {
		sensors := make([]SensorReading, len(e.Sensors))
		copy(sensors, e.Sensors)
		e.Sensors = sensors
	}
	return e
}

// AlertSeverity 告警级别
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert 告警
type Alert struct {
	ID           string        `json:"id"`
	EquipmentID  string        `json:"equipmentId"`
	Severity     AlertSeverity `json:"severity"`
	Message      string        `json:"message"`
	Timestamp    time.Time     `json:"timestamp"`
	Acknowledged bool          `json:"acknowledged"`
}

// Summary 设备总览
type Summary struct {
	TotalEquipment int     `json:"totalEquipment"`
	Operational    int     `json:"operational"`
	Maintenance    int     `json:"maintenance"`
	Offline        int     `json:"offline"`
	Error          int     `json:"error"`
	AverageOEE     float64 `json:"averageOee"`
	ActiveAlerts   int     `json:"activeAlerts"`
}
