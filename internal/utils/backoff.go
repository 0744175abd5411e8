// Package utils 提供通用工具
package utils

import (
	"time"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
)

// Backoff 指数退避策略，ESL重连和外呼重试共用
type Backoff struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int // 0表示不限次数

	attempt int
}

// NewBackoff 从配置创建退避策略
func NewBackoff(cfg config.BackoffConfig) *Backoff {
	return &Backoff{
		Base:        cfg.Base,
		Multiplier:  cfg.Multiplier,
		Cap:         cfg.Cap,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Next 返回下一次等待间隔；超过最大尝试次数时返回false
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}

	d := time.Duration(float64(b.Base) * pow(b.Multiplier, b.attempt))
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	b.attempt++
	return d, true
}

// At 返回第n次尝试（从0起）对应的间隔，不改变内部计数
func (b *Backoff) At(n int) time.Duration {
	d := time.Duration(float64(b.Base) * pow(b.Multiplier, n))
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	return d
}

// Reset 成功后重置计数
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt 返回已尝试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

// pow 小整数指数的浮点幂
func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
