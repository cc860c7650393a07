// Package handler 提供 HTTP 请求处理
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xilian/equipment-stream/internal/aggregate"
	"github.com/xilian/equipment-stream/internal/auth"
	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/dashboard"
	"github.com/xilian/equipment-stream/internal/middleware"
	"github.com/xilian/equipment-stream/internal/service"
	"github.com/xilian/equipment-stream/internal/stream"
	"go.uber.org/zap"
)

// Deps 处理器依赖
type Deps struct {
	Store       *dashboard.Store
	Broadcaster *stream.Broadcaster
	Sensors     *service.SensorService
	Aggregates  *aggregate.Aggregator
	Verifier    *auth.Verifier
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
	// simulate 或 live，仅用于状态展示
	Mode string
}

// Handler HTTP 处理器
type Handler struct {
	store       *dashboard.Store
	broadcaster *stream.Broadcaster
	sensors     *service.SensorService
	aggregates  *aggregate.Aggregator
	verifier    *auth.Verifier
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	mode        string
	upgrader    websocket.Upgrader
	startedAt   time.Time
}

// NewHandler 创建处理器
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		store:       d.Store,
		broadcaster: d.Broadcaster,
		sensors:     d.Sensors,
		aggregates:  d.Aggregates,
		verifier:    d.Verifier,
		gatherer:    gatherer,
		logger:      logger.Named("http"),
		mode:        d.Mode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine, cfg config.ServerConfig) {
	// 健康检查
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/live", h.Live)

	// 指标
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1", auth.Authenticate(h.verifier))
	{
		// 推送流，鉴权由订阅本身校验
		v1.GET("/stream", h.Stream)
		v1.GET("/stream/ws", h.StreamWS)

		query := v1.Group("", auth.RequireAuth())
		if cfg.RateLimit > 0 {
			query.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(int64(cfg.RateLimit))))
		}
		if cfg.MaxConcurrent > 0 {
			query.Use(middleware.ConcurrencyMiddleware(middleware.NewConcurrencyLimiter(int64(cfg.MaxConcurrent))))
		}
		query.GET("/equipment", h.ListEquipment)
		query.GET("/equipment/:id", h.GetEquipment)
		query.GET("/equipment/:id/stats", h.EquipmentStats)
		query.GET("/alerts", h.ListAlerts)
		query.POST("/alerts/:id/ack", h.AcknowledgeAlert)
		query.GET("/connection-status", h.ConnectionStatus)
		query.GET("/summary", h.Summary)
	}
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	status := h.sensors.GetConnectionStatus()

	state := "healthy"
	if status.Degraded {
		state = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      state,
		"mode":        h.mode,
		"subscribers": h.broadcaster.Count(),
		"connection":  status,
		"uptime":      time.Since(h.startedAt).String(),
		"timestamp":   time.Now().UnixMilli(),
	})
}

// Ready 就绪检查：未配置协议或至少一个协议已连接
func (h *Handler) Ready(c *gin.Context) {
	if !h.sensors.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ready":  false,
			"reason": "no protocol client connected",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Live 存活检查
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"alive":     true,
		"timestamp": time.Now().UnixMilli(),
	})
}

// ListEquipment 设备列表
func (h *Handler) ListEquipment(c *gin.Context) {
	equipment := h.store.Equipment()
	c.JSON(http.StatusOK, gin.H{
		"equipment": equipment,
		"count":     len(equipment),
	})
}

// GetEquipment 单台设备
func (h *Handler) GetEquipment(c *gin.Context) {
	e, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "equipment not found"})
		return
	}
	c.JSON(http.StatusOK, e)
}

// EquipmentStats 单台设备的传感器窗口统计
func (h *Handler) EquipmentStats(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.store.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "equipment not found"})
		return
	}
	stats := []aggregate.Result{}
	if h.aggregates != nil {
		stats = h.aggregates.Query(id)
	}
	c.JSON(http.StatusOK, gin.H{
		"equipmentId": id,
		"stats":       stats,
		"count":       len(stats),
	})
}

// ListAlerts 告警列表，最新的在前，可用 limit 截断
func (h *Handler) ListAlerts(c *gin.Context) {
	alerts := h.store.Alerts()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if limit < len(alerts) {
			alerts = alerts[:limit]
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// AcknowledgeAlert 确认告警，幂等；acknowledged 为确认后的状态，changed 表示本次是否生效
func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	id := c.Param("id")
	changed := h.store.Acknowledge(id)
	if changed {
		h.logger.Info("Alert acknowledged",
			zap.String("alert_id", id),
			zap.String("subject", auth.PrincipalFrom(c).Subject),
		)
	}

	// 未知告警按空操作处理，已淘汰的告警同样返回 200
	a, found := h.store.Alert(id)
	c.JSON(http.StatusOK, gin.H{
		"id":           id,
		"acknowledged": found && a.Acknowledged,
		"changed":      changed,
	})
}

// ConnectionStatus 组合连接状态
func (h *Handler) ConnectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sensors.GetConnectionStatus())
}

// Summary 设备总览
func (h *Handler) Summary(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Summary())
}
