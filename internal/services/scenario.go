// Package services 实现呼叫会话、音频管道、外呼调度等核心业务
package services

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// ScenarioManager 场景管理器，按ID缓存已验证的场景，并负责入口点到场景的解析
type ScenarioManager struct {
	store models.ScenarioStore
	log   zerolog.Logger

	mu        sync.RWMutex
	scenarios map[string]*models.Scenario
	patterns  []entryPattern
}

// entryPattern 预编译的入口点匹配规则
type entryPattern struct {
	re         *regexp.Regexp
	scenarioID string
	priority   int
}

// NewScenarioManager 创建场景管理器
func NewScenarioManager(store models.ScenarioStore, log zerolog.Logger) *ScenarioManager {
	return &ScenarioManager{
		store:     store,
		log:       log.With().Str("component", "scenario").Logger(),
		scenarios: make(map[string]*models.Scenario),
	}
}

// Load 预加载全部场景和入口点，非法配置行整体拒绝
func (m *ScenarioManager) Load(ctx context.Context) error {
	scenarios, err := m.store.ListScenarios(ctx)
	if err != nil {
		return err
	}
	entryPoints, err := m.store.ListEntryPoints(ctx)
	if err != nil {
		return err
	}

	cache := make(map[string]*models.Scenario, len(scenarios))
	for _, s := range scenarios {
		if err := s.Validate(); err != nil {
			return err
		}
		cache[s.ScenarioID] = s
	}

	var patterns []entryPattern
	for _, ep := range entryPoints {
		re, err := regexp.Compile(ep.DialplanPattern)
		if err != nil {
			return fmt.Errorf("%w: 入口点 %s 模式非法: %v", types.ErrConfig, ep.EntryPointID, err)
		}
		if _, ok := cache[ep.ScenarioID]; !ok {
			return fmt.Errorf("%w: 入口点 %s 引用未知场景 %s", types.ErrConfig, ep.EntryPointID, ep.ScenarioID)
		}
		patterns = append(patterns, entryPattern{re: re, scenarioID: ep.ScenarioID, priority: ep.Priority})
	}

	m.mu.Lock()
	m.scenarios = cache
	m.patterns = patterns
	m.mu.Unlock()

	m.log.Info().Int("scenarios", len(cache)).Int("entry_points", len(patterns)).Msg("场景配置已加载")
	return nil
}

// Get 按ID取场景，缓存未命中时回源加载
func (m *ScenarioManager) Get(ctx context.Context, scenarioID string) (*models.Scenario, error) {
	m.mu.RLock()
	s, ok := m.scenarios[scenarioID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := m.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.scenarios[scenarioID] = s
	m.mu.Unlock()
	return s, nil
}

// List 返回缓存中的全部场景
func (m *ScenarioManager) List() []*models.Scenario {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Scenario, 0, len(m.scenarios))
	for _, s := range m.scenarios {
		out = append(out, s)
	}
	return out
}

// Resolve 确定一通呼叫使用的场景：优先通道变量ai_scenario，其次入口点模式匹配被叫号码
func (m *ScenarioManager) Resolve(ctx context.Context, scenarioVar, destination string) (*models.Scenario, error) {
	if scenarioVar != "" {
		return m.Get(ctx, scenarioVar)
	}

	m.mu.RLock()
	var matched string
	bestPriority := 0
	for _, p := range m.patterns {
		if !p.re.MatchString(destination) {
			continue
		}
		if matched == "" || p.priority < bestPriority {
			matched = p.scenarioID
			bestPriority = p.priority
		}
	}
	m.mu.RUnlock()

	if matched == "" {
		return nil, fmt.Errorf("%w: 被叫 %s 未匹配任何入口点", types.ErrConfig, destination)
	}
	return m.Get(ctx, matched)
}
