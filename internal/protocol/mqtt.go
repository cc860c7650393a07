package protocol

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/metrics"
	"github.com/xilian/equipment-stream/internal/model"
	"go.uber.org/zap"
)

// MQTTClient MQTT 客户端
//
// paho 自带的自动重连关闭，由 session 统一驱动状态机。
// 重连成功后会恢复之前的订阅。
type MQTTClient struct {
	*session
	cfg       config.MQTTConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client

	clientMu sync.Mutex
	client   mqtt.Client
	topics   []string
}

// NewMQTTClient 创建 MQTT 客户端，cfg.Topics 在每次连接后自动订阅
func NewMQTTClient(name string, cfg config.MQTTConfig, logger *zap.Logger, m *metrics.Metrics) *MQTTClient {
	c := &MQTTClient{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		topics:    append([]string(nil), cfg.Topics...),
	}
	c.session = newSession(name, model.ProtocolMQTT, cfg.Reconnect, cfg.ConnectTimeout, logger, m)
	c.session.transport = c
	return c
}

// Subscribe 订阅主题，重连后自动恢复
func (c *MQTTClient) Subscribe(topics ...string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.clientMu.Lock()
	client := c.client
	for _, topic := range topics {
		if !containsTopic(c.topics, topic) {
			c.topics = append(c.topics, topic)
		}
	}
	c.clientMu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	for _, topic := range topics {
		c.subscribe(client, topic)
	}
	return nil
}

// Publish 发布消息，payload 为 []byte、string 或可 JSON 序列化的值
func (c *MQTTClient) Publish(topic string, payload interface{}) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	var body []byte
	switch v := payload.(type) {
	case []byte:
		body = v
	case string:
		body = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		body = encoded
	}

	c.clientMu.Lock()
	client := c.client
	c.clientMu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	token := client.Publish(topic, byte(c.cfg.QoS), false, body)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.logger.Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
	return nil
}

// dial 建立 broker 连接并恢复订阅
func (c *MQTTClient) dial(ctx context.Context) error {
	client := c.newClient(c.options())

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return err
	}

	c.clientMu.Lock()
	c.client = client
	topics := append([]string(nil), c.topics...)
	c.clientMu.Unlock()

	for _, topic := range topics {
		c.subscribe(client, topic)
	}
	return nil
}

// hangup 断开 broker 连接
func (c *MQTTClient) hangup(ctx context.Context) error {
	c.clientMu.Lock()
	client := c.client
	c.client = nil
	c.clientMu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func (c *MQTTClient) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if isTLSBroker(c.cfg.BrokerURL) {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: c.cfg.TLSSkipVerify})
	}
	opts.SetConnectionLostHandler(func(lost mqtt.Client, err error) {
		if c.isCurrent(lost) {
			c.dropped(err)
		}
	})
	return opts
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string) {
	token := client.Subscribe(topic, byte(c.cfg.QoS), c.handleMessage)
	go func() {
		if !token.WaitTimeout(10 * time.Second) {
			c.logger.Warn("Subscribe timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Error("Subscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		c.logger.Info("Subscribed", zap.String("topic", topic))
	}()
}

func (c *MQTTClient) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	c.emit(Data{
		Protocol:  model.ProtocolMQTT,
		Source:    msg.Topic(),
		Payload:   msg.Payload(),
		Timestamp: time.Now().UTC(),
	})
}

func (c *MQTTClient) isCurrent(client mqtt.Client) bool {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	return c.client != nil && c.client == client
}

func isTLSBroker(url string) bool {
	for _, scheme := range []string{"ssl://", "tls://", "mqtts://", "wss://"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}
