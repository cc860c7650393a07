// Package oee 提供设备综合效率（OEE）计算
package oee

import (
	"math"

	"github.com/xilian/equipment-stream/internal/model"
)

// Compute 计算 OEE
//
// overall = round(availability * performance * quality / 10000)，结果限定在 [0, 100]。
// 纯函数，无 I/O，无共享状态。
func Compute(availability, performance, quality float64) model.OEEMetrics {
	a := clamp(availability)
	p := clamp(performance)
	q := clamp(quality)

	return model.OEEMetrics{
		Availability: a,
		Performance:  p,
		Quality:      q,
		Overall:      clamp(math.Round(a * p * q / 10000)),
	}
}

// Average 计算平均综合效率，空列表返回 0
func Average(metrics []model.OEEMetrics) float64 {
	if len(metrics) == 0 {
		return 0
	}
	var sum float64
	for _, m := range metrics {
		sum += m.Overall
	}
	return math.Round(sum/float64(len(metrics))*10) / 10
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
