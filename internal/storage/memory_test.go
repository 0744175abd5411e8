package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

func TestMemoryScenario(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetScenario(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrConfig)

	m.PutScenario(&models.Scenario{ScenarioID: "sales", Name: "销售"})
	s, err := m.GetScenario(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, "销售", s.Name)
}

func TestMemoryContactClaim(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.PutCampaign(&models.Campaign{CampaignID: "c1", GatewayID: "gw1", ScenarioID: "sales", MaxConcurrentCalls: 5})
	contact := &models.Contact{CampaignID: "c1", PhoneNumber: "13800138000"}
	require.NoError(t, m.AddContact(ctx, contact))
	require.NotZero(t, contact.ID)

	// 第一次认领成功，重复认领失败
	ok, err := m.MarkContactInProgress(ctx, contact.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.MarkContactInProgress(ctx, contact.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := m.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.TotalContacts)
}

func TestMemoryCampaignCounters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.PutCampaign(&models.Campaign{CampaignID: "c1", GatewayID: "gw1", ScenarioID: "sales", MaxConcurrentCalls: 5})
	require.NoError(t, m.AddCampaignCounters(ctx, "c1", 1, 1, 0))
	require.NoError(t, m.AddCampaignCounters(ctx, "c1", 1, 0, 1))

	c, err := m.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.CompletedContacts)
	assert.Equal(t, int64(1), c.SuccessfulCalls)
	assert.Equal(t, int64(1), c.FailedCalls)
}

func TestMemorySnapshot(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	snap := &types.SessionSnapshot{
		SessionID: "sess-1",
		State:     types.StateASRListening,
		Turn:      2,
		StartTime: time.Now(),
	}
	require.NoError(t, m.SaveSnapshot(ctx, snap))

	got, err := m.LoadSnapshot(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateASRListening, got.State)
	assert.Equal(t, 2, got.Turn)

	require.NoError(t, m.DeleteSnapshot(ctx, "sess-1"))
	_, err = m.LoadSnapshot(ctx, "sess-1")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestMemoryFailureCount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	n, err := m.IncrFailureCount(ctx, "llm")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = m.IncrFailureCount(ctx, "llm")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = m.GetFailureCount(ctx, "asr")
	require.NoError(t, err)
	assert.Zero(t, n)
}
