package oee

import (
	"math"
	"math/rand"

	"github.com/xilian/equipment-stream/internal/model"
)

// span 数值区间
type span struct {
	lo, hi float64
}

// bucket 某一设备状态下的基线区间
type bucket struct {
	availability span
	performance  span
	quality      span
}

// baselines 各状态的基线区间，仅用于模拟
var baselines = map[model.EquipmentStatus]bucket{
	model.EquipmentOperational: {span{85, 98}, span{80, 95}, span{95, 99.9}},
	model.EquipmentMaintenance: {span{40, 70}, span{50, 75}, span{85, 95}},
	model.EquipmentOffline:     {span{0, 0}, span{0, 0}, span{0, 0}},
	model.EquipmentError:       {span{10, 40}, span{20, 50}, span{60, 85}},
}

// Simulator 按设备状态生成模拟 OEE 基线
//
// 与 Compute 分离：Simulator 只负责生成 availability/performance/quality，
// overall 仍由 Compute 推导。非并发安全，调用方各自持有实例。
type Simulator struct {
	rng *rand.Rand
}

// NewSimulator 创建模拟器
func NewSimulator(rng *rand.Rand) *Simulator {
	return &Simulator{rng: rng}
}

// Generate 生成指定状态下的 OEE
func (s *Simulator) Generate(status model.EquipmentStatus) model.OEEMetrics {
	b, ok := baselines[status]
	if !ok {
		b = baselines[model.EquipmentOffline]
	}
	return Compute(s.pick(b.availability), s.pick(b.performance), s.pick(b.quality))
}

func (s *Simulator) pick(r span) float64 {
	v := r.lo + s.rng.Float64()*(r.hi-r.lo)
	return math.Round(v*10) / 10
}
