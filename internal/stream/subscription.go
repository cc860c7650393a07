package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xilian/equipment-stream/internal/auth"
	"github.com/xilian/equipment-stream/internal/metrics"
	"github.com/xilian/equipment-stream/internal/model"
	"go.uber.org/zap"
)

// Subscription 单个订阅者
type Subscription struct {
	ID        string
	Principal *auth.Principal
	CreatedAt time.Time

	events chan model.StreamEvent
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}

	data      Ticker
	heartbeat Ticker
	generator Generator

	mu       sync.Mutex
	closed   bool
	once     sync.Once
	enqueued atomic.Int64

	logger  *zap.Logger
	metrics *metrics.Metrics
	onClose func(*Subscription)
}

// Events 事件通道，订阅结束后关闭
func (s *Subscription) Events() <-chan model.StreamEvent {
	return s.events
}

// Done 订阅结束信号
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Enqueued 已入队事件数
func (s *Subscription) Enqueued() int64 {
	return s.enqueued.Load()
}

// Close 结束订阅，可重复调用
//
// 两个定时器、上下文和事件通道在同一步内释放。
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.data != nil {
			s.data.Stop()
		}
		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}
		s.cancel()

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// enqueue 非阻塞入队，关闭后或缓冲满时丢弃
func (s *Subscription) enqueue(event model.StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.events <- event:
		s.enqueued.Add(1)
		s.metrics.EventSent(event.Type)
		return true
	default:
		s.metrics.EventDropped("buffer_full")
		s.logger.Warn("Subscriber buffer full",
			zap.String("subscription_id", s.ID),
			zap.String("type", string(event.Type)),
		)
		return false
	}
}

func (s *Subscription) run() {
	defer close(s.exited)

	for {
		select {
		case <-s.ctx.Done():
			s.Close()
			return

		case now := <-s.data.C():
			if s.generator == nil {
				continue
			}
			for _, event := range s.generator.Tick(now) {
				s.enqueue(event)
			}

		case now := <-s.heartbeat.C():
			s.enqueue(model.NewHeartbeatEvent(now))
		}
	}
}
