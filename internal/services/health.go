package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CheckFunc 单个组件的健康检查
type CheckFunc func(ctx context.Context) error

// HealthChecker 聚合各组件的健康检查，供控制面探活
type HealthChecker struct {
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(log zerolog.Logger) *HealthChecker {
	return &HealthChecker{
		log:     log.With().Str("component", "health").Logger(),
		timeout: 3 * time.Second,
		checks:  make(map[string]CheckFunc),
	}
}

// Register 登记一个组件检查
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check 执行全部检查，返回组件名到状态的映射和总体结论
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	result := make(map[string]string, len(checks))
	healthy := true
	for name, fn := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := fn(checkCtx)
		cancel()
		if err != nil {
			h.log.Warn().Err(err).Str("check", name).Msg("组件不健康")
			result[name] = err.Error()
			healthy = false
			continue
		}
		result[name] = "ok"
	}
	return result, healthy
}
