package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/metrics"
	"github.com/xilian/equipment-stream/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected 未连接时调用传输操作
	ErrNotConnected = errors.New("Not connected")
	// ErrConnectInProgress 已有连接或重连在进行
	ErrConnectInProgress = errors.New("connection attempt in progress")
	// ErrClosed 连接过程中被主动断开
	ErrClosed = errors.New("client disconnected")
)

// Data 协议层收到的原始数据
type Data struct {
	Protocol model.Protocol
	// MQTT 主题或 OPC-UA 节点 ID
	Source string
	// MQTT 原始负载
	Payload []byte
	// OPC-UA 解码后的值
	Value     interface{}
	Timestamp time.Time
}

// DataHandler 数据回调
type DataHandler func(Data)

// Client 协议客户端通用能力
type Client interface {
	Name() string
	Protocol() model.Protocol
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() model.ConnectionState
	IsConnected() bool
	LastError() error
	Attempts() int
	Status() model.ClientStatus
	OnStateChange(handler StateHandler)
	OnData(handler DataHandler)
}

// transport 具体协议的建连与断开
type transport interface {
	dial(ctx context.Context) error
	hangup(ctx context.Context) error
}

// session 协议无关的连接管理：状态机、退避重连、数据分发
type session struct {
	name        string
	protocol    model.Protocol
	machine     *Machine
	backoff     Backoff
	maxAttempts int
	dialTimeout time.Duration
	transport   transport
	logger      *zap.Logger
	metrics     *metrics.Metrics

	// 可替换的等待函数
	sleep func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	stopped       bool
	dataHandlers  []DataHandler
	connectCancel context.CancelFunc
	retryCancel   context.CancelFunc
	retryDone     chan struct{}
}

func newSession(name string, protocol model.Protocol, rc config.ReconnectConfig, dialTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *session {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := rc.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	s := &session{
		name:        name,
		protocol:    protocol,
		machine:     NewMachine(),
		backoff:     NewBackoff(rc),
		maxAttempts: maxAttempts,
		dialTimeout: dialTimeout,
		logger:      logger.With(zap.String("client", name), zap.String("protocol", string(protocol))),
		metrics:     m,
		sleep:       sleepContext,
	}
	m.ProtocolState(name, model.StateDisconnected)
	s.machine.OnStateChange(func(state model.ConnectionState, err error) {
		m.ProtocolState(name, state)
		if err != nil {
			s.logger.Info("Connection state changed", zap.String("state", string(state)), zap.Error(err))
			return
		}
		s.logger.Info("Connection state changed", zap.String("state", string(state)))
	})
	return s
}

// Name 客户端名称
func (s *session) Name() string { return s.name }

// Protocol 协议类型
func (s *session) Protocol() model.Protocol { return s.protocol }

// State 当前状态
func (s *session) State() model.ConnectionState { return s.machine.State() }

// LastError 最近一次错误
func (s *session) LastError() error { return s.machine.LastError() }

// Attempts 连续失败的重连次数
func (s *session) Attempts() int { return s.machine.Attempts() }

// IsConnected 是否已连接
func (s *session) IsConnected() bool {
	return s.machine.State() == model.StateConnected
}

// OnStateChange 注册状态回调
func (s *session) OnStateChange(handler StateHandler) {
	s.machine.OnStateChange(handler)
}

// OnData 注册数据回调
func (s *session) OnData(handler DataHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataHandlers = append(s.dataHandlers, handler)
}

// Status 状态快照
func (s *session) Status() model.ClientStatus {
	status := model.ClientStatus{
		Name:     s.name,
		Protocol: s.protocol,
		State:    s.machine.State(),
		Attempts: s.machine.Attempts(),
	}
	if err := s.machine.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status
}

// Connect 建立连接
//
// 已连接时直接返回。失败时经 error 回到 disconnected。
func (s *session) Connect(ctx context.Context) error {
	if s.machine.State() == model.StateConnected {
		return nil
	}
	if err := s.machine.Transition(model.StateConnecting, nil); err != nil {
		return ErrConnectInProgress
	}

	dialCtx, cancel := s.withDialTimeout(ctx)
	defer cancel()
	s.mu.Lock()
	s.stopped = false
	s.connectCancel = cancel
	s.mu.Unlock()

	err := s.transport.dial(dialCtx)

	s.mu.Lock()
	stopped := s.stopped
	s.connectCancel = nil
	s.mu.Unlock()

	if stopped {
		if err == nil {
			_ = s.transport.hangup(context.Background())
		}
		return ErrClosed
	}
	if err != nil {
		_ = s.machine.Transition(model.StateError, err)
		_ = s.machine.Transition(model.StateDisconnected, err)
		return fmt.Errorf("connect %s: %w", s.name, err)
	}
	if err := s.machine.Transition(model.StateConnected, nil); err != nil {
		_ = s.transport.hangup(context.Background())
		return ErrClosed
	}
	return nil
}

// Disconnect 主动断开，停止重连，可重复调用
func (s *session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if s.connectCancel != nil {
		s.connectCancel()
	}
	if s.retryCancel != nil {
		s.retryCancel()
		s.retryCancel = nil
	}
	done := s.retryDone
	s.retryDone = nil
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if s.machine.State() == model.StateDisconnected {
		return nil
	}
	_ = s.machine.Transition(model.StateDisconnected, nil)

	if err := s.transport.hangup(ctx); err != nil {
		s.logger.Warn("Transport close failed", zap.Error(err))
	}
	return nil
}

// dropped 传输层报告连接丢失
func (s *session) dropped(cause error) {
	s.mu.Lock()
	if s.stopped || s.retryDone != nil {
		s.mu.Unlock()
		return
	}
	if err := s.machine.Transition(model.StateReconnecting, cause); err != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.retryCancel = cancel
	s.retryDone = done
	s.mu.Unlock()

	s.logger.Warn("Connection lost", zap.Error(cause))
	go s.reconnect(ctx, done)
}

// reconnect 退避重连，直到成功、被取消或次数耗尽
func (s *session) reconnect(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.retryDone == done {
			s.retryCancel = nil
			s.retryDone = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		attempt := s.machine.Attempts()
		if attempt >= s.maxAttempts {
			s.logger.Error("Reconnect attempts exhausted",
				zap.Int("attempts", attempt),
				zap.Error(s.machine.LastError()),
			)
			_ = s.machine.Transition(model.StateDisconnected, s.machine.LastError())
			return
		}

		delay := s.backoff.Next(attempt)
		if err := s.sleep(ctx, delay); err != nil {
			return
		}

		dialCtx, cancel := s.withDialTimeout(ctx)
		err := s.transport.dial(dialCtx)
		cancel()

		if ctx.Err() != nil {
			if err == nil {
				_ = s.transport.hangup(context.Background())
			}
			return
		}
		if err == nil {
			if terr := s.machine.Transition(model.StateConnected, nil); terr != nil {
				_ = s.transport.hangup(context.Background())
			}
			return
		}

		n := s.machine.fail(err)
		s.metrics.ReconnectFailed(s.name)
		s.logger.Warn("Reconnect attempt failed",
			zap.Int("attempt", n),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}

// emit 分发数据
func (s *session) emit(data Data) {
	s.mu.Lock()
	handlers := make([]DataHandler, len(s.dataHandlers))
	copy(handlers, s.dataHandlers)
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(data)
	}
}

func (s *session) withDialTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.dialTimeout > 0 {
		return context.WithTimeout(ctx, s.dialTimeout)
	}
	return context.WithCancel(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
