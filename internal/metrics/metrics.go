// Package metrics 提供 Prometheus 指标
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xilian/equipment-stream/internal/model"
)

const namespace = "equipment_stream"

// stateValues 连接状态对应的数值，便于在面板上画阶梯图
var stateValues = map[model.ConnectionState]float64{
	model.StateDisconnected: 0,
	model.StateConnecting:   1,
	model.StateConnected:    2,
	model.StateReconnecting: 3,
	model.StateError:        4,
}

// Metrics 服务指标
//
// 所有方法允许 nil 接收者，未启用指标时直接调用即可。
type Metrics struct {
	subscribers       prometheus.Gauge
	eventsSent        *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	protocolState     *prometheus.GaugeVec
	reconnectAttempts *prometheus.CounterVec
	readings          *prometheus.CounterVec
	malformedPayloads *prometheus.CounterVec
	alerts            *prometheus.CounterVec
	httpRequests      *prometheus.HistogramVec
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of active stream subscribers.",
		}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Stream events enqueued to subscribers by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Stream events dropped by reason.",
		}, []string{"reason"}),
		protocolState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "protocol_state",
			Help:      "Protocol client state (0=disconnected,1=connecting,2=connected,3=reconnecting,4=error).",
		}, []string{"client"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Failed reconnect attempts per protocol client.",
		}, []string{"client"}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Normalized sensor readings by protocol and status.",
		}, []string{"protocol", "status"}),
		malformedPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_payloads_total",
			Help:      "Inbound payloads dropped as malformed.",
		}, []string{"protocol"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by severity.",
		}, []string{"severity"}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		m.subscribers,
		m.eventsSent,
		m.eventsDropped,
		m.protocolState,
		m.reconnectAttempts,
		m.readings,
		m.malformedPayloads,
		m.alerts,
		m.httpRequests,
	)
	return m
}

// SubscriberAdded 订阅者 +1
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberRemoved 订阅者 -1
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// EventSent 记录已入队事件
func (m *Metrics) EventSent(eventType model.EventType) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(string(eventType)).Inc()
}

// EventDropped 记录丢弃事件
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// ProtocolState 记录协议状态
func (m *Metrics) ProtocolState(client string, state model.ConnectionState) {
	if m == nil {
		return
	}
	m.protocolState.WithLabelValues(client).Set(stateValues[state])
}

// ReconnectFailed 记录一次失败的重连
func (m *Metrics) ReconnectFailed(client string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(client).Inc()
}

// Reading 记录归一化读数
func (m *Metrics) Reading(protocol model.Protocol, status model.SensorStatus) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(string(protocol), string(status)).Inc()
}

// MalformedPayload 记录被丢弃的畸形负载
func (m *Metrics) MalformedPayload(protocol model.Protocol) {
	if m == nil {
		return
	}
	m.malformedPayloads.WithLabelValues(string(protocol)).Inc()
}

// AlertRaised 记录告警
func (m *Metrics) AlertRaised(severity model.AlertSeverity) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(string(severity)).Inc()
}

// ObserveHTTP 记录 HTTP 请求耗时
func (m *Metrics) ObserveHTTP(method, path string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Observe(latency.Seconds())
}
