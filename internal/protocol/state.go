// Package protocol 提供 MQTT 与 OPC-UA 协议客户端及其连接状态机
package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xilian/equipment-stream/internal/model"
)

// ErrIllegalTransition 非法状态迁移
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions 状态迁移表，不在表中的迁移一律拒绝
var transitions = map[model.ConnectionState][]model.ConnectionState{
	model.StateDisconnected: {model.StateConnecting},
	model.StateConnecting:   {model.StateConnected, model.StateError, model.StateDisconnected},
	model.StateConnected:    {model.StateReconnecting, model.StateDisconnected},
	model.StateReconnecting: {model.StateConnected, model.StateDisconnected},
	model.StateError:        {model.StateDisconnected},
}

// CanTransition 判断迁移是否合法
func CanTransition(from, to model.ConnectionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateHandler 状态变化回调，收到的是状态副本
type StateHandler func(state model.ConnectionState, err error)

// Machine 连接状态机
//
// 每次迁移在返回前同步调用所有回调各一次。回调内不得再触发迁移。
type Machine struct {
	mu       sync.Mutex
	state    model.ConnectionState
	attempts int
	lastErr  error
	handlers []StateHandler

	// 保证回调按迁移顺序串行执行
	notifyMu sync.Mutex
}

// NewMachine 创建状态机，初始状态 disconnected
func NewMachine() *Machine {
	return &Machine{state: model.StateDisconnected}
}

// OnStateChange 注册状态回调
func (m *Machine) OnStateChange(handler StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// State 当前状态
func (m *Machine) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts 当前连续失败的重连次数
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError 最近一次错误
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Transition 迁移到目标状态
//
// 到达 connected 时重连计数清零。
func (m *Machine) Transition(to model.ConnectionState, cause error) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.state = to
	if to == model.StateConnected {
		m.attempts = 0
	}
	if cause != nil {
		m.lastErr = cause
	}
	handlers := make([]StateHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(to, cause)
	}
	return nil
}

// fail 记录一次失败的重连尝试，返回累计次数
func (m *Machine) fail(err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	m.lastErr = err
	return m.attempts
}
