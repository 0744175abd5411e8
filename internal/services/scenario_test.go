package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istar1978/freeswitch-ai-robot/internal/logger"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/storage"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

func newScenarioStore() *storage.Memory {
	store := storage.NewMemory()
	sales := testScenario()
	sales.ScenarioID = "sales"
	support := testScenario()
	support.ScenarioID = "support"
	store.PutScenario(sales)
	store.PutScenario(support)
	store.PutEntryPoint(&models.EntryPoint{
		EntryPointID:    "ep-sales",
		DialplanPattern: `^400\d+$`,
		ScenarioID:      "sales",
		Priority:        10,
		IsActive:        true,
	})
	store.PutEntryPoint(&models.EntryPoint{
		EntryPointID:    "ep-support",
		DialplanPattern: `^\d+$`,
		ScenarioID:      "support",
		Priority:        100,
		IsActive:        true,
	})
	return store
}

func TestScenarioManagerLoad(t *testing.T) {
	m := NewScenarioManager(newScenarioStore(), logger.Nop())
	require.NoError(t, m.Load(context.Background()))
	assert.Len(t, m.List(), 2)
}

func TestScenarioManagerLoadRejectsBadPattern(t *testing.T) {
	store := newScenarioStore()
	store.PutEntryPoint(&models.EntryPoint{
		EntryPointID:    "ep-bad",
		DialplanPattern: `(`,
		ScenarioID:      "sales",
		IsActive:        true,
	})

	m := NewScenarioManager(store, logger.Nop())
	err := m.Load(context.Background())
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestScenarioManagerResolve(t *testing.T) {
	m := NewScenarioManager(newScenarioStore(), logger.Nop())
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	// 通道变量优先
	s, err := m.Resolve(ctx, "support", "4001000")
	require.NoError(t, err)
	assert.Equal(t, "support", s.ScenarioID)

	// 按入口点模式匹配，优先级数值小的先匹配
	s, err = m.Resolve(ctx, "", "4001000")
	require.NoError(t, err)
	assert.Equal(t, "sales", s.ScenarioID)

	s, err = m.Resolve(ctx, "", "10086")
	require.NoError(t, err)
	assert.Equal(t, "support", s.ScenarioID)

	// 无匹配则拒绝
	_, err = m.Resolve(ctx, "", "unknown")
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestScenarioManagerGetUncached(t *testing.T) {
	store := newScenarioStore()
	m := NewScenarioManager(store, logger.Nop())

	// 未预加载时回源读取
	s, err := m.Get(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, "sales", s.ScenarioID)

	_, err = m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrConfig)
}
