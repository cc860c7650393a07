// Package middleware 提供 HTTP 中间件
package middleware

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xilian/equipment-stream/internal/metrics"
	"go.uber.org/zap"
)

// RequestIDKey gin 上下文中的请求 ID 键
const RequestIDKey = "request_id"

// RateLimiter 固定窗口限流器
type RateLimiter struct {
	// 每秒最大请求数
	maxRPS int64
	// 当前窗口请求数
	currentCount int64
	// 窗口开始时间
	windowStart time.Time
	window      time.Duration
	now         func() time.Time
	mu          sync.Mutex
}

// NewRateLimiter 创建限流器
func NewRateLimiter(maxRPS int64) *RateLimiter {
	return &RateLimiter{
		maxRPS:      maxRPS,
		windowStart: time.Now(),
		window:      time.Second,
		now:         time.Now,
	}
}

// Allow 检查是否允许请求
func (r *RateLimiter) Allow() bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.windowStart) >= r.window {
		r.currentCount = 0
		r.windowStart = now
	}
	if r.currentCount >= r.maxRPS {
		return false
	}
	r.currentCount++
	return true
}

// RateLimitMiddleware 限流中间件
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// ConcurrencyLimiter 并发限制器
type ConcurrencyLimiter struct {
	maxConcurrent int64
	current       int64
}

// NewConcurrencyLimiter 创建并发限制器
func NewConcurrencyLimiter(max int64) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{maxConcurrent: max}
}

// Acquire 获取许可
func (c *ConcurrencyLimiter) Acquire() bool {
	current := atomic.AddInt64(&c.current, 1)
	if current > c.maxConcurrent {
		atomic.AddInt64(&c.current, -1)
		return false
	}
	return true
}

// Release 释放许可
func (c *ConcurrencyLimiter) Release() {
	atomic.AddInt64(&c.current, -1)
}

// Current 当前并发数
func (c *ConcurrencyLimiter) Current() int64 {
	return atomic.LoadInt64(&c.current)
}

// ConcurrencyMiddleware 并发限制中间件
func ConcurrencyMiddleware(limiter *ConcurrencyLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Acquire() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "too many concurrent requests",
			})
			return
		}
		defer limiter.Release()
		c.Next()
	}
}

// MetricsMiddleware 记录请求耗时到 Prometheus
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.ObserveHTTP(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// LoggingMiddleware 日志中间件，只记录慢请求或错误
func LoggingMiddleware(logger *zap.Logger, slow time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if latency > slow || status >= http.StatusBadRequest {
			logger.Info("HTTP Request",
				zap.String("request_id", c.GetString(RequestIDKey)),
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Duration("latency", latency),
				zap.String("client_ip", c.ClientIP()),
				zap.Int("body_size", c.Writer.Size()),
			)
		}
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.String("request_id", c.GetString(RequestIDKey)),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, Last-Event-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware 请求 ID 中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
