package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/xilian/equipment-stream/internal/catalog"
	"github.com/xilian/equipment-stream/internal/metrics"
	"github.com/xilian/equipment-stream/internal/model"
	"github.com/xilian/equipment-stream/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrMalformedPayload 无法归一化的入站数据
var ErrMalformedPayload = errors.New("malformed payload")

// ReadingHandler 归一化读数回调
type ReadingHandler func(equipmentID string, reading model.SensorReading)

// StatusHandler 组合连接状态回调
type StatusHandler func(status model.ConnectionStatus)

// rawReading MQTT 负载中的单条读数
type rawReading struct {
	SensorType  string       `json:"sensorType"`
	Value       *float64     `json:"value"`
	Unit        string       `json:"unit"`
	NormalRange *model.Range `json:"normalRange"`
	Timestamp   *time.Time   `json:"timestamp"`
}

// SensorService 传感器服务
//
// 包装多个协议客户端，对外只暴露归一化读数流和组合连接状态。
type SensorService struct {
	catalog *catalog.Catalog
	clients []protocol.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu              sync.RWMutex
	nodes           map[string]catalog.NodeBinding
	readingHandlers []ReadingHandler
	statusHandlers  []StatusHandler
}

// NewSensorService 创建传感器服务
func NewSensorService(cat *catalog.Catalog, logger *zap.Logger, m *metrics.Metrics, clients ...protocol.Client) *SensorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SensorService{
		catalog: cat,
		clients: clients,
		logger:  logger.Named("sensor"),
		metrics: m,
		nodes:   make(map[string]catalog.NodeBinding),
	}
	for _, c := range clients {
		c.OnData(s.handleData)
		c.OnStateChange(func(model.ConnectionState, error) {
			s.notifyStatus()
		})
	}
	return s
}

// SetNodeMap 设置 OPC-UA 节点映射
func (s *SensorService) SetNodeMap(bindings []catalog.NodeBinding) {
	nodes := make(map[string]catalog.NodeBinding, len(bindings))
	for _, b := range bindings {
		nodes[b.NodeID] = b
	}
	s.mu.Lock()
	s.nodes = nodes
	s.mu.Unlock()
}

// Clients 被包装的协议客户端
func (s *SensorService) Clients() []protocol.Client {
	return s.clients
}

// OnReading 注册读数回调
func (s *SensorService) OnReading(handler ReadingHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readingHandlers = append(s.readingHandlers, handler)
}

// OnStatusChange 注册组合状态回调，任一客户端状态变化时触发
func (s *SensorService) OnStatusChange(handler StatusHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusHandlers = append(s.statusHandlers, handler)
}

// Start 并发连接所有客户端
//
// 连接失败只反映在状态上，不影响其他客户端，返回的错误仅用于日志。
func (s *SensorService) Start(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range s.clients {
		c := c
		g.Go(func() error {
			if err := c.Connect(ctx); err != nil {
				s.logger.Warn("Protocol client failed to connect",
					zap.String("client", c.Name()),
					zap.Error(err),
				)
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info("Sensor service started",
		zap.Int("clients", len(s.clients)),
		zap.Bool("connected", s.GetConnectionStatus().Connected),
	)
	return err
}

// Stop 断开所有客户端
func (s *SensorService) Stop(ctx context.Context) error {
	var errs []error
	for _, c := range s.clients {
		if err := c.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	s.logger.Info("Sensor service stopped")
	return errors.Join(errs...)
}

// GetConnectionStatus 组合连接状态，只读
func (s *SensorService) GetConnectionStatus() model.ConnectionStatus {
	status := model.ConnectionStatus{
		Clients:   make([]model.ClientStatus, 0, len(s.clients)),
		Connected: len(s.clients) > 0,
		UpdatedAt: time.Now().UTC(),
	}
	for _, c := range s.clients {
		cs := c.Status()
		status.Clients = append(status.Clients, cs)
		if cs.State != model.StateConnected {
			status.Connected = false
			status.Degraded = true
		}
	}
	return status
}

// Ready 没有配置协议或至少一个已连接
func (s *SensorService) Ready() bool {
	if len(s.clients) == 0 {
		return true
	}
	for _, c := range s.clients {
		if c.IsConnected() {
			return true
		}
	}
	return false
}

func (s *SensorService) notifyStatus() {
	s.mu.RLock()
	handlers := append([]StatusHandler(nil), s.statusHandlers...)
	s.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	status := s.GetConnectionStatus()
	for _, handler := range handlers {
		handler(status)
	}
}

// handleData 协议数据入口，畸形数据记录日志后丢弃
func (s *SensorService) handleData(data protocol.Data) {
	var (
		equipmentID string
		readings    []model.SensorReading
		err         error
	)
	switch data.Protocol {
	case model.ProtocolMQTT:
		equipmentID, readings, err = s.normalizeMQTT(data)
	case model.ProtocolOPCUA:
		equipmentID, readings, err = s.normalizeOPCUA(data)
	default:
		err = fmt.Errorf("%w: unknown protocol %q", ErrMalformedPayload, data.Protocol)
	}
	if err != nil {
		s.metrics.MalformedPayload(data.Protocol)
		s.logger.Warn("Dropping malformed payload",
			zap.String("protocol", string(data.Protocol)),
			zap.String("source", data.Source),
			zap.Error(err),
		)
		return
	}

	s.mu.RLock()
	handlers := append([]ReadingHandler(nil), s.readingHandlers...)
	s.mu.RUnlock()

	for _, reading := range readings {
		s.metrics.Reading(data.Protocol, reading.Status)
		for _, handler := range handlers {
			handler(equipmentID, reading)
		}
	}
}

// normalizeMQTT 解析 equipment/{id}/sensors 主题上的 JSON 负载
func (s *SensorService) normalizeMQTT(data protocol.Data) (string, []model.SensorReading, error) {
	equipmentID, err := ParseTopic(data.Source)
	if err != nil {
		return "", nil, err
	}

	var raws []rawReading
	payload := bytes.TrimSpace(data.Payload)
	if len(payload) > 0 && payload[0] == '[' {
		err = json.Unmarshal(payload, &raws)
	} else {
		var raw rawReading
		err = json.Unmarshal(payload, &raw)
		raws = []rawReading{raw}
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(raws) == 0 {
		return "", nil, fmt.Errorf("%w: empty reading list", ErrMalformedPayload)
	}

	readings := make([]model.SensorReading, 0, len(raws))
	for _, raw := range raws {
		if raw.Value == nil {
			return "", nil, fmt.Errorf("%w: %s reading has no value", ErrMalformedPayload, raw.SensorType)
		}
		ts := data.Timestamp
		if raw.Timestamp != nil {
			ts = *raw.Timestamp
		}
		reading, err := s.normalize(equipmentID, raw.SensorType, *raw.Value, raw.Unit, raw.NormalRange, ts)
		if err != nil {
			return "", nil, err
		}
		readings = append(readings, reading)
	}
	return equipmentID, readings, nil
}

// normalizeOPCUA 按节点映射转换 DataValue
func (s *SensorService) normalizeOPCUA(data protocol.Data) (string, []model.SensorReading, error) {
	s.mu.RLock()
	binding, ok := s.nodes[data.Source]
	s.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: unmapped node %s", ErrMalformedPayload, data.Source)
	}

	value, ok := toFloat(data.Value)
	if !ok {
		return "", nil, fmt.Errorf("%w: node %s value %T is not numeric", ErrMalformedPayload, data.Source, data.Value)
	}
	reading, err := s.normalize(binding.EquipmentID, binding.SensorType, value, "", nil, data.Timestamp)
	if err != nil {
		return "", nil, err
	}
	return binding.EquipmentID, []model.SensorReading{reading}, nil
}

// normalize 用目录补全单位和范围后构造读数
func (s *SensorService) normalize(equipmentID, sensorType string, value float64, unit string, normalRange *model.Range, ts time.Time) (model.SensorReading, error) {
	if sensorType == "" {
		return model.SensorReading{}, fmt.Errorf("%w: missing sensorType", ErrMalformedPayload)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return model.SensorReading{}, fmt.Errorf("%w: %s value is not finite", ErrMalformedPayload, sensorType)
	}
	if _, ok := s.catalog.Lookup(equipmentID); !ok {
		return model.SensorReading{}, fmt.Errorf("%w: unknown equipment %s", ErrMalformedPayload, equipmentID)
	}

	spec, known := s.catalog.Sensor(equipmentID, sensorType)
	if unit == "" {
		unit = spec.Unit
	}
	var r model.Range
	switch {
	case normalRange != nil:
		r = *normalRange
	case known:
		r = spec.NormalRange
	default:
		return model.SensorReading{}, fmt.Errorf("%w: no normal range for %s/%s", ErrMalformedPayload, equipmentID, sensorType)
	}
	if r.Max() < r.Min() {
		return model.SensorReading{}, fmt.Errorf("%w: inverted range for %s", ErrMalformedPayload, sensorType)
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return NewReading(sensorType, value, unit, r, ts), nil
}

// ParseTopic 从 equipment/{id}/sensors 中取出设备 ID
func ParseTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "equipment" || parts[2] != "sensors" || parts[1] == "" {
		return "", fmt.Errorf("%w: unexpected topic %q", ErrMalformedPayload, topic)
	}
	return parts[1], nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
