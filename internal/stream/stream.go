// Package stream 提供按订阅者推送的事件广播
//
// 每个订阅者持有一个有界缓冲、两个定时器（数据、心跳）和一个取消上下文。
// 订阅后先收到 full-sync，然后是 connection-status，之后才是定时事件和广播事件。
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xilian/equipment-stream/internal/auth"
	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/dashboard"
	"github.com/xilian/equipment-stream/internal/metrics"
	"github.com/xilian/equipment-stream/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized 订阅者未通过鉴权
	ErrUnauthorized = errors.New("Unauthorized")
	// ErrClosed 广播器已关闭
	ErrClosed = errors.New("broadcaster closed")
	// ErrTooManySubscribers 订阅者数量已达上限
	ErrTooManySubscribers = errors.New("too many subscribers")
)

// Options 广播参数
type Options struct {
	DataInterval      time.Duration
	HeartbeatInterval time.Duration
	// 单个订阅者缓冲大小，至少为 2 以容纳初始的两条事件
	Buffer         int
	MaxSubscribers int
}

// OptionsFrom 由配置构造广播参数
func OptionsFrom(cfg config.StreamConfig) Options {
	return Options{
		DataInterval:      cfg.DataInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Buffer:            cfg.SubscriberBuffer,
		MaxSubscribers:    cfg.MaxSubscribers,
	}
}

func (o Options) sanitize() Options {
	if o.DataInterval <= 0 {
		o.DataInterval = 3 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.Buffer < 2 {
		o.Buffer = 2
	}
	return o
}

// Source 订阅时的初始状态来源
type Source interface {
	Snapshot() model.FullSync
	ConnectionStatus() model.ConnectionStatus
}

type storeSource struct {
	store  *dashboard.Store
	status func() model.ConnectionStatus
}

// NewSource 以设备存储和连接状态函数作为初始状态来源
func NewSource(store *dashboard.Store, status func() model.ConnectionStatus) Source {
	return &storeSource{store: store, status: status}
}

func (s *storeSource) Snapshot() model.FullSync { return s.store.Snapshot() }

func (s *storeSource) ConnectionStatus() model.ConnectionStatus {
	if s.status != nil {
		return s.status()
	}
	status, _ := s.store.ConnectionStatus()
	return status
}

// Generator 订阅者私有的数据事件生成器，只在该订阅者的协程中调用
type Generator interface {
	Tick(now time.Time) []model.StreamEvent
}

// GeneratorFactory 为新订阅者创建生成器，参数为订阅时的全量快照
type GeneratorFactory func(snapshot model.FullSync) Generator

// Ticker 可停止的周期定时器
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type clockTicker struct {
	t *time.Ticker
}

func (c clockTicker) C() <-chan time.Time { return c.t.C }
func (c clockTicker) Stop()               { c.t.Stop() }

func newClockTicker(d time.Duration) Ticker {
	return clockTicker{t: time.NewTicker(d)}
}

// Broadcaster 事件广播器
type Broadcaster struct {
	opts         Options
	source       Source
	newGenerator GeneratorFactory
	newTicker    func(time.Duration) Ticker
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewBroadcaster 创建广播器，factory 为 nil 时订阅者只收到广播事件和心跳
func NewBroadcaster(opts Options, source Source, factory GeneratorFactory, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		opts:         opts.sanitize(),
		source:       source,
		newGenerator: factory,
		newTicker:    newClockTicker,
		logger:       logger.Named("stream"),
		metrics:      m,
		now:          time.Now,
		subs:         make(map[string]*Subscription),
	}
}

// Subscribe 注册订阅者
//
// principal 为 nil 时在创建任何定时器之前返回 ErrUnauthorized。
// 订阅在 ctx 取消或调用 Close 时结束。
func (b *Broadcaster) Subscribe(ctx context.Context, principal *auth.Principal) (*Subscription, error) {
	if principal == nil {
		return nil, ErrUnauthorized
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.opts.MaxSubscribers > 0 && len(b.subs) >= b.opts.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	now := b.now()
	snapshot := b.source.Snapshot()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:        uuid.New().String(),
		Principal: principal,
		CreatedAt: now,
		events:    make(chan model.StreamEvent, b.opts.Buffer),
		ctx:       subCtx,
		cancel:    cancel,
		exited:    make(chan struct{}),
		logger:    b.logger,
		metrics:   b.metrics,
		onClose:   b.remove,
	}
	if b.newGenerator != nil {
		sub.generator = b.newGenerator(snapshot)
	}

	// 注册前入队，广播事件不会插到这两条之前
	sub.enqueue(model.NewFullSyncEvent(snapshot, now))
	sub.enqueue(model.NewConnectionStatusEvent(b.source.ConnectionStatus(), now))

	sub.data = b.newTicker(b.opts.DataInterval)
	sub.heartbeat = b.newTicker(b.opts.HeartbeatInterval)

	b.subs[sub.ID] = sub
	b.metrics.SubscriberAdded()
	go sub.run()

	b.logger.Info("Subscriber registered",
		zap.String("subscription_id", sub.ID),
		zap.String("subject", principal.Subject),
	)
	return sub, nil
}

// Publish 向所有订阅者广播事件，返回成功入队的订阅者数
func (b *Broadcaster) Publish(event model.StreamEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.publishLocked(event)
}

// Commit 在订阅锁内修改共享状态并广播产生的事件
//
// 与 Subscribe 的快照互斥：新订阅者要么在快照里看到这次修改，要么收到广播，不会两者都有。
// mutate 返回错误时不广播。
func (b *Broadcaster) Commit(mutate func() (model.StreamEvent, error)) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	event, err := mutate()
	if err != nil {
		return 0, err
	}
	return b.publishLocked(event), nil
}

func (b *Broadcaster) publishLocked(event model.StreamEvent) int {
	delivered := 0
	for _, sub := range b.subs {
		if sub.enqueue(event) {
			delivered++
		}
	}
	return delivered
}

// Count 当前订阅者数量
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭所有订阅者，之后的 Subscribe 返回 ErrClosed
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	b.logger.Info("Broadcaster closed", zap.Int("subscribers", len(subs)))
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	delete(b.subs, sub.ID)
	b.mu.Unlock()

	if ok {
		b.metrics.SubscriberRemoved()
		b.logger.Info("Subscriber removed", zap.String("subscription_id", sub.ID))
	}
}
