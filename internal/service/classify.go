// Package service 提供协议无关的传感器服务
package service

import (
	"math"
	"time"

	"github.com/xilian/equipment-stream/internal/model"
)

// CriticalFraction 超出边界部分占范围跨度的比例，超过即为 critical
const CriticalFraction = 0.20

// severityBands 按越界比例从小到大排列，取第一个 ratio <= upTo 的状态
var severityBands = []struct {
	upTo   float64
	status model.SensorStatus
}{
	{0, model.SensorNormal},
	{CriticalFraction, model.SensorWarning},
	{math.Inf(1), model.SensorCritical},
}

// Classify 由读数和正常范围推导传感器状态
//
// 范围退化（max <= min）时任何越界都视为 critical，NaN 视为 critical。
func Classify(value float64, normalRange model.Range) model.SensorStatus {
	if math.IsNaN(value) {
		return model.SensorCritical
	}

	excursion := 0.0
	switch {
	case value < normalRange.Min():
		excursion = normalRange.Min() - value
	case value > normalRange.Max():
		excursion = value - normalRange.Max()
	}

	ratio := 0.0
	if excursion > 0 {
		if span := normalRange.Span(); span > 0 {
			ratio = excursion / span
		} else {
			ratio = math.Inf(1)
		}
	}

	for _, band := range severityBands {
		if ratio <= band.upTo {
			return band.status
		}
	}
	return model.SensorCritical
}

// NewReading 构造读数，状态总是由 Classify 推导
func NewReading(sensorType string, value float64, unit string, normalRange model.Range, ts time.Time) model.SensorReading {
	return model.SensorReading{
		SensorType:  sensorType,
		Value:       value,
		Unit:        unit,
		NormalRange: normalRange,
		Status:      Classify(value, normalRange),
		Timestamp:   ts.UTC(),
	}
}

// Worst 一组读数中最严重的状态
func Worst(readings []model.SensorReading) model.SensorStatus {
	worst := model.SensorNormal
	for _, r := range readings {
		switch r.Status {
		case model.SensorCritical:
			return model.SensorCritical
		case model.SensorWarning:
			worst = model.SensorWarning
		}
	}
	return worst
}
