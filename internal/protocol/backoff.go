package protocol

import (
	"math"
	"math/rand"
	"time"

	"github.com/xilian/equipment-stream/internal/config"
)

// Backoff 带抖动的指数退避
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// 返回 [0,1) 的随机数，为空时使用全局随机源
	Rand func() float64
}

// NewBackoff 由重连配置创建退避策略
func NewBackoff(cfg config.ReconnectConfig) Backoff {
	b := Backoff{
		Initial:    cfg.InitialInterval,
		Max:        cfg.MaxInterval,
		Multiplier: cfg.Multiplier,
		Jitter:     cfg.Jitter,
	}
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = 0
	}
	return b
}

// Next 第 attempt 次（从 0 开始）重连前的等待时间，不超过 Max
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if base > float64(b.Max) {
		base = float64(b.Max)
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		base *= 1 + b.Jitter*(2*r()-1)
	}

	if base > float64(b.Max) {
		base = float64(b.Max)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
