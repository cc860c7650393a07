package stream

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/xilian/equipment-stream/internal/dashboard"
	"github.com/xilian/equipment-stream/internal/metrics"
	"github.com/xilian/equipment-stream/internal/model"
	"github.com/xilian/equipment-stream/internal/oee"
	"go.uber.org/zap"
)

// LiveFeed 将真实读数写入共享设备存储并广播
type LiveFeed struct {
	store       *dashboard.Store
	broadcaster *Broadcaster
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu  sync.Mutex
	sim *oee.Simulator
}

// NewLiveFeed 创建实时数据源
func NewLiveFeed(store *dashboard.Store, b *Broadcaster, rng *rand.Rand, logger *zap.Logger, m *metrics.Metrics) *LiveFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveFeed{
		store:       store,
		broadcaster: b,
		logger:      logger.Named("live"),
		metrics:     m,
		now:         time.Now,
		sim:         oee.NewSimulator(rng),
	}
}

// HandleReading 合并读数并广播 sensor-update
//
// 设备状态因此升级时，额外生成并保存一条 alert，并按新状态刷新 OEE。
// 写入和广播都经 Broadcaster.Commit，订阅快照不会与广播重复。
func (f *LiveFeed) HandleReading(equipmentID string, reading model.SensorReading) {
	var before, after model.EquipmentStatus
	_, err := f.broadcaster.Commit(func() (model.StreamEvent, error) {
		var (
			event model.StreamEvent
			err   error
		)
		event, before, after, err = f.store.MergeReading(equipmentID, reading)
		return event, err
	})
	if err != nil {
		f.logger.Warn("Dropping reading",
			zap.String("equipment_id", equipmentID),
			zap.String("sensor_type", reading.SensorType),
			zap.Error(err),
		)
		return
	}

	if before == after {
		return
	}

	now := f.now()
	e, _ := f.store.Get(equipmentID)
	if alert, ok := newStatusAlert(e, now); ok {
		alert.Message = fmt.Sprintf("%s: %s %.1f%s outside %.1f-%.1f",
			alert.Message, reading.SensorType, reading.Value, reading.Unit,
			reading.NormalRange.Min(), reading.NormalRange.Max())
		f.apply(model.NewAlertEvent(alert, now))
		f.metrics.AlertRaised(alert.Severity)
		f.logger.Info("Equipment status escalated",
			zap.String("equipment_id", equipmentID),
			zap.String("from", string(before)),
			zap.String("to", string(after)),
		)
	}

	f.mu.Lock()
	refreshed := f.sim.Generate(after)
	f.mu.Unlock()
	f.apply(model.NewOEEUpdateEvent(equipmentID, refreshed, now))
}

// HandleStatus 记录并广播组合连接状态
func (f *LiveFeed) HandleStatus(status model.ConnectionStatus) {
	f.apply(model.NewConnectionStatusEvent(status, f.now()))
}

func (f *LiveFeed) apply(event model.StreamEvent) {
	_, err := f.broadcaster.Commit(func() (model.StreamEvent, error) {
		return event, f.store.Apply(event)
	})
	if err != nil {
		f.logger.Warn("Failed to apply event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// roundRobin 依次取共享存储中的设备生成 oee-update
type roundRobin struct {
	store  *dashboard.Store
	cursor int
}

// NewRoundRobinFactory 实时模式的生成器工厂
func NewRoundRobinFactory(store *dashboard.Store) GeneratorFactory {
	return func(model.FullSync) Generator {
		return &roundRobin{store: store}
	}
}

func (r *roundRobin) Tick(now time.Time) []model.StreamEvent {
	e, ok := r.store.At(r.cursor)
	if !ok {
		return nil
	}
	r.cursor++
	return []model.StreamEvent{model.NewOEEUpdateEvent(e.ID, e.OEE, now)}
}
