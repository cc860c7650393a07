package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/model"
	"go.uber.org/zap"
)

// Record 转发到 Kafka 的读数
type Record struct {
	MessageID   string              `json:"messageId"`
	EquipmentID string              `json:"equipmentId"`
	Reading     model.SensorReading `json:"reading"`
	ReceivedAt  time.Time           `json:"receivedAt"`
}

// ToJSON 转换为 JSON
func (r *Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRecord 解析消息
func ParseRecord(msg Message) (*Record, error) {
	var record Record
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Options 转发参数
type Options struct {
	Topic         string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	Workers       int
}

// OptionsFrom 由配置构造转发参数
//
// 默认单个工作协程，保证同一设备的读数按到达顺序写出。
func OptionsFrom(cfg config.KafkaConfig) Options {
	return Options{
		Topic:         cfg.Topic,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.BatchTimeout,
		BufferSize:    cfg.BatchSize * 10,
		Workers:       1,
	}
}

// Stats 转发统计
type Stats struct {
	Forwarded int64 `json:"forwarded"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Buffered  int64 `json:"buffered"`
}

// Forwarder 读数转发器
//
// Forward 从不阻塞：缓冲满时丢弃并计数。工作协程按批大小或刷新间隔写出。
type Forwarder struct {
	opts     Options
	logger   *zap.Logger
	producer Producer
	buffer   chan *Record
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once

	mu      sync.RWMutex
	stopped bool

	forwarded int64
	failed    int64
	dropped   int64
	buffered  int64
}

// NewForwarder 创建转发器
func NewForwarder(opts Options, producer Producer, logger *zap.Logger) *Forwarder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = opts.BatchSize * 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		opts:     opts,
		logger:   logger.Named("bus"),
		producer: producer,
		buffer:   make(chan *Record, opts.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动工作协程
func (f *Forwarder) Start() {
	for i := 0; i < f.opts.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}

	f.logger.Info("Forwarder started",
		zap.String("topic", f.opts.Topic),
		zap.Int("workers", f.opts.Workers),
		zap.Int("buffer_size", f.opts.BufferSize),
	)
}

// Stop 刷新剩余数据后关闭生产者
func (f *Forwarder) Stop() {
	f.once.Do(func() {
		f.mu.Lock()
		f.stopped = true
		close(f.buffer)
		f.mu.Unlock()

		f.wg.Wait()
		f.cancel()

		if err := f.producer.Close(); err != nil {
			f.logger.Warn("Failed to close producer", zap.Error(err))
		}
		f.logger.Info("Forwarder stopped", zap.Any("stats", f.Stats()))
	})
}

// Forward 入队一条读数，返回是否入队成功
func (f *Forwarder) Forward(equipmentID string, reading model.SensorReading) bool {
	record := &Record{
		MessageID:   uuid.New().String(),
		EquipmentID: equipmentID,
		Reading:     reading,
		ReceivedAt:  time.Now().UTC(),
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		atomic.AddInt64(&f.dropped, 1)
		return false
	}

	select {
	case f.buffer <- record:
		atomic.AddInt64(&f.buffered, 1)
		return true
	default:
		atomic.AddInt64(&f.dropped, 1)
		f.logger.Warn("Forward buffer full", zap.String("equipment_id", equipmentID))
		return false
	}
}

// Stats 转发统计
func (f *Forwarder) Stats() Stats {
	return Stats{
		Forwarded: atomic.LoadInt64(&f.forwarded),
		Failed:    atomic.LoadInt64(&f.failed),
		Dropped:   atomic.LoadInt64(&f.dropped),
		Buffered:  atomic.LoadInt64(&f.buffered),
	}
}

func (f *Forwarder) worker() {
	defer f.wg.Done()

	batch := make([]*Record, 0, f.opts.BatchSize)
	ticker := time.NewTicker(f.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case record, ok := <-f.buffer:
			if !ok {
				f.flush(batch)
				return
			}
			atomic.AddInt64(&f.buffered, -1)
			batch = append(batch, record)
			if len(batch) >= f.opts.BatchSize {
				f.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				f.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (f *Forwarder) flush(batch []*Record) {
	if len(batch) == 0 {
		return
	}

	msgs := make([]Message, 0, len(batch))
	for _, record := range batch {
		data, err := record.ToJSON()
		if err != nil {
			f.logger.Error("Failed to marshal record",
				zap.String("equipment_id", record.EquipmentID),
				zap.Error(err),
			)
			atomic.AddInt64(&f.failed, 1)
			continue
		}
		msgs = append(msgs, Message{
			Key:   []byte(record.EquipmentID),
			Value: data,
			Topic: f.opts.Topic,
		})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()

	if err := f.producer.WriteMessages(ctx, msgs...); err != nil {
		f.logger.Error("Failed to write batch to Kafka",
			zap.Int("batch_size", len(msgs)),
			zap.Error(err),
		)
		atomic.AddInt64(&f.failed, int64(len(msgs)))
		return
	}
	atomic.AddInt64(&f.forwarded, int64(len(msgs)))
}
