// Package aggregate 按设备传感器做滚动窗口统计
package aggregate

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/model"
	"go.uber.org/zap"
)

const (
	// 单窗口保留用于分位数的样本上限
	maxSamples = 10000

	defaultWindow = time.Minute
	defaultRetain = 10
)

// Key 聚合键
type Key struct {
	EquipmentID string
	SensorType  string
}

// Result 窗口统计结果
type Result struct {
	EquipmentID string    `json:"equipmentId"`
	SensorType  string    `json:"sensorType"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	Complete    bool      `json:"complete"`
	Count       int64     `json:"count"`
	Avg         float64   `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	StdDev      float64   `json:"stdDev"`
	First       float64   `json:"first"`
	Last        float64   `json:"last"`
	P50         float64   `json:"p50"`
	P90         float64   `json:"p90"`
	P99         float64   `json:"p99"`
	Unit        string    `json:"unit,omitempty"`
}

// window 单个窗口状态，Welford 在线算法
type window struct {
	start, end time.Time
	count      int64
	mean, m2   float64
	min, max   float64
	first      float64
	last       float64
	firstAt    time.Time
	lastAt     time.Time
	samples    []float64
	unit       string
}

func newWindow(start time.Time, size time.Duration) *window {
	return &window{
		start: start,
		end:   start.Add(size),
		min:   math.MaxFloat64,
		max:   -math.MaxFloat64,
	}
}

func (w *window) add(value float64, ts time.Time, unit string) {
	w.count++
	delta := value - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (value - w.mean)

	if value < w.min {
		w.min = value
	}
	if value > w.max {
		w.max = value
	}
	if w.firstAt.IsZero() || ts.Before(w.firstAt) {
		w.first, w.firstAt = value, ts
	}
	if !ts.Before(w.lastAt) {
		w.last, w.lastAt = value, ts
	}
	if len(w.samples) < maxSamples {
		w.samples = append(w.samples, value)
	}
	if w.unit == "" {
		w.unit = unit
	}
}

func (w *window) result(k Key, complete bool) Result {
	r := Result{
		EquipmentID: k.EquipmentID,
		SensorType:  k.SensorType,
		WindowStart: w.start,
		WindowEnd:   w.end,
		Complete:    complete,
		Count:       w.count,
		Avg:         w.mean,
		Min:         w.min,
		Max:         w.max,
		First:       w.first,
		Last:        w.last,
		Unit:        w.unit,
	}
	if w.count > 1 {
		r.StdDev = math.Sqrt(w.m2 / float64(w.count-1))
	}
	r.P50, r.P90, r.P99 = percentiles(w.samples)
	return r
}

func percentiles(samples []float64) (p50, p90, p99 float64) {
	n := len(samples)
	if n == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	at := func(q float64) float64 {
		i := int(float64(n) * q)
		if i >= n {
			i = n - 1
		}
		return sorted[i]
	}
	return at(0.50), at(0.90), at(0.99)
}

// Aggregator 滚动窗口统计，窗口按读数时间对齐
//
// 每个键只有一个打开的窗口，结束后移入历史，历史按 retain 截断。
// 早于当前窗口的迟到读数被丢弃。
type Aggregator struct {
	size   time.Duration
	retain int
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	open    map[Key]*window
	history map[Key][]Result
	late    int64
}

// New 创建聚合器
func New(cfg config.AggregateConfig, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.Window
	if size <= 0 {
		size = defaultWindow
	}
	retain := cfg.Retain
	if retain <= 0 {
		retain = defaultRetain
	}
	return &Aggregator{
		size:    size,
		retain:  retain,
		logger:  logger.Named("aggregate"),
		now:     time.Now,
		open:    make(map[Key]*window),
		history: make(map[Key][]Result),
	}
}

// Add 记录一条读数，签名与 service.ReadingHandler 一致
func (a *Aggregator) Add(equipmentID string, reading model.SensorReading) {
	ts := reading.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	k := Key{EquipmentID: equipmentID, SensorType: reading.SensorType}
	start := ts.Truncate(a.size)

	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.open[k]
	switch {
	case !ok:
		w = newWindow(start, a.size)
		a.open[k] = w
	case start.Before(w.start):
		a.late++
		return
	case start.After(w.start):
		a.closeLocked(k, w)
		w = newWindow(start, a.size)
		a.open[k] = w
	}
	w.add(reading.Value, ts, reading.Unit)
}

// Sweep 关闭所有在 now 之前结束的窗口
func (a *Aggregator) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	closed := 0
	for k, w := range a.open {
		if !w.end.After(now) {
			a.closeLocked(k, w)
			delete(a.open, k)
			closed++
		}
	}
	return closed
}

func (a *Aggregator) closeLocked(k Key, w *window) {
	h := append(a.history[k], w.result(k, true))
	if len(h) > a.retain {
		h = h[len(h)-a.retain:]
	}
	a.history[k] = h
}

// Query 某台设备的统计结果，按传感器类型、窗口开始时间排序
//
// 包括历史窗口和当前打开的窗口（Complete 为 false）。
func (a *Aggregator) Query(equipmentID string) []Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make([]Result, 0)
	for k, h := range a.history {
		if k.EquipmentID == equipmentID {
			results = append(results, h...)
		}
	}
	for k, w := range a.open {
		if k.EquipmentID == equipmentID {
			results = append(results, w.result(k, false))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].SensorType != results[j].SensorType {
			return results[i].SensorType < results[j].SensorType
		}
		return results[i].WindowStart.Before(results[j].WindowStart)
	})
	return results
}

// Late 被丢弃的迟到读数数量
func (a *Aggregator) Late() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.late
}

// Run 按窗口周期清扫，直到 ctx 取消
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.size)
	defer ticker.Stop()

	a.logger.Info("Aggregator started",
		zap.Duration("window", a.size),
		zap.Int("retain", a.retain),
	)
	for {
		select {
		case <-ticker.C:
			if n := a.Sweep(a.now()); n > 0 {
				a.logger.Debug("Closed windows", zap.Int("count", n))
			}
		case <-ctx.Done():
			a.logger.Info("Aggregator stopped", zap.Int64("late_readings", a.Late()))
			return
		}
	}
}
