// Package bus 提供读数转发到 Kafka 的能力
package bus

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
	"github.com/xilian/equipment-stream/internal/config"
)

// Producer 生产者接口
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...Message) error
	Close() error
}

// Message Kafka 消息
type Message struct {
	Key   []byte
	Value []byte
	Topic string
}

// KafkaProducer 基于 kafka-go Writer 的生产者
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer 创建生产者，按 Key 哈希分区保证同一设备有序
func NewKafkaProducer(cfg config.KafkaConfig) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              cfg.BatchSize,
			BatchTimeout:           cfg.BatchTimeout,
			RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
			AllowAutoTopicCreation: true,
		},
	}
}

// WriteMessages 写入消息
func (p *KafkaProducer) WriteMessages(ctx context.Context, msgs ...Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value})
	}
	return p.writer.WriteMessages(ctx, out...)
}

// Close 关闭
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// MockProducer 内存生产者（用于测试和未启用 Kafka 的部署）
type MockProducer struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	err      error
}

// NewMockProducer 创建内存生产者
func NewMockProducer() *MockProducer {
	return &MockProducer{messages: make([]Message, 0)}
}

// FailWith 之后的写入都返回 err，nil 恢复正常
func (m *MockProducer) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// WriteMessages 写入消息
func (m *MockProducer) WriteMessages(ctx context.Context, msgs ...Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	if m.closed {
		return nil
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

// Close 关闭
func (m *MockProducer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages 已写入的消息
func (m *MockProducer) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Closed 是否已关闭
func (m *MockProducer) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
